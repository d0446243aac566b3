package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/apperr"
)

// FileRemover は出力ディレクトリ内のファイルを削除します。
type FileRemover interface {
	Remove(path string) error
}

// Result は受け渡し中の成果物です。転送後に Cleanup を呼び出してください。
type Result struct {
	JobID       string
	Path        string
	Filename    string
	Size        int64
	ContentType string
	File        *os.File

	doneOnce sync.Once
	cleanup  func()
	release  func()
}

// Cleanup は送信完了後に呼び出します。ファイルを閉じ、成果物とジョブ記録を削除します。
// Cleanup と Release はどちらか最初の1回だけが実行されます。
func (r *Result) Cleanup() {
	r.finish(func() { return r.cleanup })
}

// Release は送信が完了しなかった場合に呼び出します。ファイルを閉じ、成果物を再び取得可能に戻します。
func (r *Result) Release() {
	r.finish(func() { return r.release })
}

func (r *Result) finish(pick func() func()) {
	if r == nil {
		return
	}
	r.doneOnce.Do(func() {
		if r.File != nil {
			_ = r.File.Close()
		}
		if fn := pick(); fn != nil {
			fn()
		}
	})
}

// Gate は完了した成果物を1回だけ受け渡し、その後または保持期間の経過後に削除します。
type Gate struct {
	store     Store
	bridge    *Bridge
	files     FileRemover
	retention time.Duration
	logger    logrus.FieldLogger

	mu      sync.Mutex
	claimed map[string]struct{}
	timers  map[string]*time.Timer
}

// NewGate は Gate を作成します。
func NewGate(store Store, bridge *Bridge, files FileRemover, retention time.Duration, logger logrus.FieldLogger) *Gate {
	return &Gate{
		store:     store,
		bridge:    bridge,
		files:     files,
		retention: retention,
		logger:    logger,
		claimed:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}
}

func resultNotFound(jobID string) error {
	return apperr.NotFound("JOB_RESULT_NOT_FOUND", "ジョブの成果物が見つかりませんでした。", fmt.Errorf("job %s", jobID))
}

// Fetch は完了済みで未取得の成果物を開いて返します。最初の呼び出しだけが成功します。
func (g *Gate) Fetch(ctx context.Context, jobID string) (*Result, error) {
	job, ok := g.claim(ctx, jobID, func(j *Job) bool { return j.Status == StatusCompleted })
	if !ok {
		return nil, resultNotFound(jobID)
	}
	log := g.logger.WithField("job", jobID)

	file, err := os.Open(job.ResultPath)
	if err != nil {
		log.WithError(err).Error("result file missing")
		g.discard(ctx, job)
		return nil, resultNotFound(jobID)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		log.WithError(err).Error("failed to stat result file")
		g.discard(ctx, job)
		return nil, resultNotFound(jobID)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(job.ResultPath); err == nil {
		contentType = mtype.String()
	}

	result := &Result{
		JobID:       jobID,
		Path:        job.ResultPath,
		Filename:    filepath.Base(job.ResultPath),
		Size:        info.Size(),
		ContentType: contentType,
		File:        file,
	}
	result.cleanup = func() {
		g.discard(context.WithoutCancel(ctx), job)
	}
	result.release = func() {
		g.unclaim(jobID)
	}
	return result, nil
}

// Expire は未取得のまま残った終端ジョブの成果物と記録を削除します。
func (g *Gate) Expire(ctx context.Context, jobID string) {
	job, ok := g.claim(ctx, jobID, func(j *Job) bool { return j.Status.Terminal() })
	if !ok {
		return
	}
	g.logger.WithField("job", jobID).Info("job expired")
	g.discard(ctx, job)
}

// Schedule は保持期間の経過後に Expire を実行するよう予約します。
func (g *Gate) Schedule(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[jobID]; ok {
		t.Stop()
	}
	g.timers[jobID] = time.AfterFunc(g.retention, func() {
		g.Expire(context.Background(), jobID)
	})
}

// Sweep は最終更新から保持期間を過ぎた終端ジョブを削除し、削除件数を返します。
func (g *Gate) Sweep(ctx context.Context, now time.Time) (int, error) {
	all, err := g.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-g.retention)
	expired := 0
	for _, job := range all {
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		if _, ok := g.claim(ctx, job.ID, func(j *Job) bool { return j.Status.Terminal() }); !ok {
			continue
		}
		g.discard(ctx, job)
		expired++
	}
	return expired, nil
}

// Stop は予約済みの期限切れ処理をすべて止めます。
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

// claim は条件を満たすジョブを取得済みとして確保します。確保できるのは1回だけです。
func (g *Gate) claim(ctx context.Context, jobID string, eligible func(*Job) bool) (*Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, taken := g.claimed[jobID]; taken {
		return nil, false
	}
	job, err := g.store.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			g.logger.WithError(err).WithField("job", jobID).Warn("failed to load job for result")
		}
		return nil, false
	}
	if !eligible(job) {
		return nil, false
	}
	g.claimed[jobID] = struct{}{}
	if t, ok := g.timers[jobID]; ok {
		t.Stop()
		delete(g.timers, jobID)
	}
	return job, true
}

// unclaim は確保を解除し、保持期間の経過後に期限切れとなるよう予約し直します。
func (g *Gate) unclaim(jobID string) {
	g.mu.Lock()
	delete(g.claimed, jobID)
	g.mu.Unlock()
	g.Schedule(jobID)
}

// discard は成果物、記録、配信状態の順に削除します。失敗はログに残すだけです。
func (g *Gate) discard(ctx context.Context, job *Job) {
	log := g.logger.WithField("job", job.ID)
	if job.ResultPath != "" {
		if err := g.files.Remove(job.ResultPath); err != nil {
			log.WithError(err).Warn("failed to remove result file")
		}
	}
	if err := g.store.Delete(ctx, job.ID); err != nil {
		// 記録が残る限り再取得させない
		log.WithError(err).Warn("failed to delete job record")
		g.bridge.Forget(job.ID)
		return
	}
	g.bridge.Forget(job.ID)

	g.mu.Lock()
	delete(g.claimed, job.ID)
	g.mu.Unlock()
}
