package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

// EventType は配信イベントの種別です。
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

const failedMessage = "ダウンロードに失敗しました。URLやフォーマットを確認して再度お試しください。"

// Event は購読者へ配信するイベントです。
type Event struct {
	Type     EventType
	Progress Progress
	Filename string
	Message  string
}

// Terminal は終端イベントかどうかを返します。
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Payload はクライアントへ送る JSON 本体を返します。
func (e Event) Payload() gin.H {
	switch e.Type {
	case EventCompleted:
		return gin.H{"type": e.Type, "filename": e.Filename}
	case EventFailed:
		return gin.H{"type": e.Type, "message": e.Message}
	default:
		return gin.H{
			"type":            e.Type,
			"percent":         e.Progress.Percent,
			"downloadedBytes": e.Progress.DownloadedBytes,
			"totalBytes":      e.Progress.TotalBytes,
			"speed":           e.Progress.Speed,
			"eta":             e.Progress.ETASeconds,
		}
	}
}

func progressEvent(p Progress) Event {
	return Event{Type: EventProgress, Progress: p.clone()}
}

func terminalEventFor(job *Job) Event {
	if job.Status == StatusCompleted {
		return Event{Type: EventCompleted, Filename: filepath.Base(job.ResultPath)}
	}
	return Event{Type: EventFailed, Message: failedMessage}
}

// subscription は購読者ごとの配信キューです。
// 送信側をブロックしないよう、キューに積んだイベントを pump が順に渡します。
type subscription struct {
	out    chan Event
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
	once   sync.Once
}

func newSubscription() *subscription {
	s := &subscription{
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if ev.Terminal() {
				s.close()
				return
			}
		}
	}
}

// topic はジョブ1件分の配信状態です。
// mu はストア更新と配信をまとめて直列化し、購読者が確定順にイベントを受け取るようにします。
type topic struct {
	mu       sync.Mutex
	last     *Event
	terminal *Event
	sub      *subscription
}

func (t *topic) publish(ev Event) {
	if ev.Terminal() {
		t.terminal = &ev
	} else {
		t.last = &ev
	}
	if t.sub != nil {
		t.sub.push(ev)
	}
}

// Bridge は進捗コールバックをストアへの書き込みと購読者への配信に変換します。
type Bridge struct {
	store  Store
	logger logrus.FieldLogger

	mu     sync.Mutex
	topics map[string]*topic
}

// NewBridge は Bridge を作成します。
func NewBridge(store Store, logger logrus.FieldLogger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

func (b *Bridge) topic(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{}
		b.topics[jobID] = t
	}
	return t
}

func (b *Bridge) lookup(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[jobID]
}

// Report は進捗を反映し、購読者へ最新のスナップショットを配信します。
// running 以外のジョブへの報告は黙って捨てます。
func (b *Bridge) Report(ctx context.Context, jobID string, r engine.Report) {
	t := b.topic(jobID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil {
		return
	}

	changed := false
	job, err := b.store.UpdateProgress(ctx, jobID, func(p *Progress) bool {
		changed = mergeReport(p, r)
		return changed
	})
	if err != nil {
		if errors.Is(err, ErrNotRunning) || errors.Is(err, apperr.ErrNotFound) {
			return
		}
		b.logger.WithError(err).WithField("job", jobID).Warn("failed to store progress")
		return
	}
	if !changed {
		return
	}
	t.publish(progressEvent(job.Progress))
}

// Complete は完了イベントを配信します。
func (b *Bridge) Complete(jobID, filename string) {
	t := b.topic(jobID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish(Event{Type: EventCompleted, Filename: filename})
}

// Fail は失敗イベントを配信します。詳細はクライアントへ渡しません。
func (b *Bridge) Fail(jobID string) {
	t := b.topic(jobID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish(Event{Type: EventFailed, Message: failedMessage})
}

// Subscribe はジョブのイベントを購読します。購読者は1ジョブにつき1件で、新しい購読が古い購読を置き換えます。
// 終端後に購読した場合は終端イベントだけを受け取ります。チャネルは終端イベントの後か cancel で閉じられます。
func (b *Bridge) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	var t *topic
	if job.Status.Terminal() {
		if t = b.lookup(jobID); t == nil {
			// 破棄済みの配信状態は作り直さない
			sub := newSubscription()
			sub.push(terminalEventFor(job))
			return sub.out, sub.close, nil
		}
	} else {
		t = b.topic(jobID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := newSubscription()
	if t.sub != nil {
		t.sub.close()
	}
	t.sub = sub

	switch {
	case t.terminal != nil:
		sub.push(*t.terminal)
	case job.Status.Terminal():
		sub.push(terminalEventFor(job))
	case t.last != nil:
		sub.push(*t.last)
	default:
		sub.push(progressEvent(job.Progress))
	}

	stop := context.AfterFunc(ctx, func() { b.unsubscribe(t, sub) })
	cancel := func() {
		stop()
		b.unsubscribe(t, sub)
	}
	return sub.out, cancel, nil
}

func (b *Bridge) unsubscribe(t *topic, sub *subscription) {
	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
	}
	t.mu.Unlock()
	sub.close()
}

// Forget はジョブの配信状態を破棄します。
func (b *Bridge) Forget(jobID string) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		t.sub.close()
		t.sub = nil
	}
}

// mergeReport は既知の値だけを反映し、百分率を再計算します。百分率は後退しません。
func mergeReport(p *Progress, r engine.Report) bool {
	changed := false
	if r.DownloadedBytes != nil {
		v := *r.DownloadedBytes
		if v < 0 {
			v = 0
		}
		p.DownloadedBytes = v
		changed = true
	}
	if r.TotalBytes != nil && *r.TotalBytes > 0 {
		v := *r.TotalBytes
		p.TotalBytes = &v
		changed = true
	}
	if r.Speed != nil {
		v := *r.Speed
		p.Speed = &v
		changed = true
	}
	if r.ETASeconds != nil {
		v := *r.ETASeconds
		p.ETASeconds = &v
		changed = true
	}

	if p.TotalBytes != nil && *p.TotalBytes > 0 {
		percent := clampPercent(float64(p.DownloadedBytes) / float64(*p.TotalBytes) * 100)
		if percent > p.Percent {
			p.Percent = percent
		}
	}
	return changed
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
