package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
	"github.com/yourusername/media-forge/internal/logging"
)

func bytesReport(downloaded, total int64) engine.Report {
	return engine.Report{DownloadedBytes: &downloaded, TotalBytes: &total}
}

func runningJob(t *testing.T, s Store) *Job {
	t.Helper()
	job, err := s.Create(context.Background(), engine.KindVideo, testURL, "137")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	advance(t, s, job.ID, StatusRunning)
	return job
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out collecting events; got %+v", out)
		}
	}
}

func TestBridgeReportClampsAndNeverRegresses(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	steps := []struct {
		report engine.Report
		want   float64
	}{
		{bytesReport(50, 100), 50},
		{bytesReport(30, 100), 50},
		{bytesReport(80, 100), 80},
		{bytesReport(250, 100), 100},
	}
	for i, step := range steps {
		bridge.Report(ctx, job.ID, step.report)
		got, _ := store.Get(ctx, job.ID)
		if got.Progress.Percent != step.want {
			t.Fatalf("step %d: percent = %v, want %v", i, got.Progress.Percent, step.want)
		}
	}
}

func TestBridgeHoldsPercentWithoutTotal(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	bridge.Report(ctx, job.ID, bytesReport(40, 100))
	downloaded := int64(70)
	speed := 1024.0
	bridge.Report(ctx, job.ID, engine.Report{DownloadedBytes: &downloaded, Speed: &speed})

	got, _ := store.Get(ctx, job.ID)
	if got.Progress.Percent != 70 {
		t.Fatalf("percent should use the known total, got %v", got.Progress.Percent)
	}
	if got.Progress.Speed == nil || *got.Progress.Speed != 1024 {
		t.Fatalf("speed not merged: %+v", got.Progress)
	}

	other := runningJob(t, store)
	bridge.Report(ctx, other.ID, engine.Report{DownloadedBytes: &downloaded})
	got, _ = store.Get(ctx, other.ID)
	if got.Progress.Percent != 0 || got.Progress.DownloadedBytes != 70 {
		t.Fatalf("percent should be held when total is unknown: %+v", got.Progress)
	}
}

func TestBridgeDiscardsLateReports(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	bridge.Report(ctx, job.ID, bytesReport(10, 100))
	if _, err := store.Transition(ctx, job.ID, StatusFinalizing, TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	bridge.Report(ctx, job.ID, bytesReport(90, 100))

	got, _ := store.Get(ctx, job.ID)
	if got.Progress.Percent != 10 {
		t.Fatalf("late report was applied: %v", got.Progress.Percent)
	}

	// 存在しないジョブへの報告も黙って捨てる
	bridge.Report(ctx, "missing", bytesReport(1, 2))
}

func TestBridgeRetainsLastSnapshot(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	bridge.Report(ctx, job.ID, bytesReport(40, 100))

	events, cancel, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer cancel()

	first := nextEvent(t, events)
	if first.Type != EventProgress || first.Progress.Percent != 40 {
		t.Fatalf("expected retained snapshot at 40%%, got %+v", first)
	}

	bridge.Report(ctx, job.ID, bytesReport(60, 100))
	second := nextEvent(t, events)
	if second.Progress.Percent != 60 {
		t.Fatalf("expected 60%%, got %+v", second)
	}
}

func TestBridgeLateSubscriberGetsOnlyTerminal(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	bridge.Report(ctx, job.ID, bytesReport(100, 100))
	if _, err := store.Transition(ctx, job.ID, StatusFinalizing, TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, job.ID, StatusCompleted, TransitionFields{ResultPath: "/out/clip_137.mp4"}); err != nil {
		t.Fatal(err)
	}
	bridge.Complete(job.ID, "clip_137.mp4")

	events, cancel, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer cancel()

	got := collect(t, events, 2*time.Second)
	if len(got) != 1 || got[0].Type != EventCompleted || got[0].Filename != "clip_137.mp4" {
		t.Fatalf("expected only the completed event, got %+v", got)
	}
}

func TestBridgeTerminalFromStoreAfterForget(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	if _, err := store.Transition(ctx, job.ID, StatusFailed, TransitionFields{ErrorDetail: "boom"}); err != nil {
		t.Fatal(err)
	}
	bridge.Forget(job.ID)

	events, cancel, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	got := collect(t, events, 2*time.Second)
	if len(got) != 1 || got[0].Type != EventFailed {
		t.Fatalf("expected a single failed event, got %+v", got)
	}
	if got[0].Message == "boom" {
		t.Fatal("error detail leaked into event")
	}
	if bridge.lookup(job.ID) != nil {
		t.Fatal("subscribing to a forgotten terminal job must not recreate its topic")
	}
}

func TestBridgeNewSubscriberReplacesPrevious(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	first, cancelFirst, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelFirst()
	second, cancelSecond, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSecond()

	// 置き換えられた購読は閉じられる
	collect(t, first, 2*time.Second)

	nextEvent(t, second)
	bridge.Report(ctx, job.ID, bytesReport(25, 100))
	if ev := nextEvent(t, second); ev.Progress.Percent != 25 {
		t.Fatalf("unexpected event on replacement subscriber: %+v", ev)
	}
}

func TestBridgeCancelClosesChannel(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	job := runningJob(t, store)

	ctx, cancelCtx := context.WithCancel(context.Background())
	events, cancel, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	cancelCtx()
	collect(t, events, 2*time.Second)

	// 購読解除後もジョブは進み続ける
	bridge.Report(context.Background(), job.ID, bytesReport(5, 10))
	got, _ := store.Get(context.Background(), job.ID)
	if got.Progress.Percent != 50 {
		t.Fatalf("unexpected percent after unsubscribe: %v", got.Progress.Percent)
	}
}

func TestBridgeSubscribeUnknownJob(t *testing.T) {
	bridge := NewBridge(NewMemoryStore(), logging.Discard())
	_, _, err := bridge.Subscribe(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBridgeConcurrentReportsDeliverMonotonicPercent(t *testing.T) {
	store := NewMemoryStore()
	bridge := NewBridge(store, logging.Discard())
	ctx := context.Background()
	job := runningJob(t, store)

	events, cancel, err := bridge.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			for i := int64(0); i <= 100; i += 8 {
				bridge.Report(ctx, job.ID, bytesReport(i+offset, 108))
			}
		}(int64(w))
	}
	wg.Wait()
	bridge.Complete(job.ID, "done.mp4")

	got := collect(t, events, 5*time.Second)
	last := -1.0
	for _, ev := range got {
		if ev.Type != EventProgress {
			continue
		}
		if ev.Progress.Percent < last {
			t.Fatalf("percent regressed: %v after %v", ev.Progress.Percent, last)
		}
		if ev.Progress.Percent < 0 || ev.Progress.Percent > 100 {
			t.Fatalf("percent out of range: %v", ev.Progress.Percent)
		}
		last = ev.Progress.Percent
	}
	if len(got) == 0 || got[len(got)-1].Type != EventCompleted {
		t.Fatalf("expected the stream to end with completed, got %+v", got)
	}
}
