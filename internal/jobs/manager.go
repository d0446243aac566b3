package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
	"github.com/yourusername/media-forge/internal/formats"
	"github.com/yourusername/media-forge/internal/naming"
)

// Engine はメタデータ取得と取得・変換を行う外部ツールです。
type Engine interface {
	Probe(ctx context.Context, sourceURL string) (*engine.Metadata, error)
	Fetch(ctx context.Context, req engine.Request, onProgress func(engine.Report)) (string, error)
}

// Workspace はジョブの作業ディレクトリと出力ディレクトリを扱います。
type Workspace interface {
	FileRemover
	StagingDir(jobID string) (string, error)
	RemoveStaging(jobID string) error
	FindOutput(dir string) (string, error)
	Move(src, dst string) error
	StaleStaging(before time.Time) ([]string, error)
}

// Options は Manager の動作設定です。
type Options struct {
	MaxConcurrent    int
	QueueSize        int
	AudioBitrateKbps int
	Retention        time.Duration
	JanitorInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 2
	}
	if o.QueueSize < 1 {
		o.QueueSize = 64
	}
	if o.AudioBitrateKbps <= 0 {
		o.AudioBitrateKbps = 192
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
	return o
}

// Manager はジョブの投入と実行を担います。
// 投入されたジョブはキューに積まれ、ディスパッチャが同時実行数の範囲で1件ずつ goroutine を起動します。
type Manager struct {
	store  Store
	bridge *Bridge
	gate   *Gate
	engine Engine
	files  Workspace
	names  *naming.Resolver
	logger logrus.FieldLogger
	opts   Options

	queue chan string
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager は Manager を初期化します。
func NewManager(store Store, bridge *Bridge, gate *Gate, eng Engine, files Workspace, names *naming.Resolver, logger logrus.FieldLogger, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if bridge == nil || gate == nil {
		return nil, errors.New("bridge and gate are required")
	}
	if eng == nil {
		return nil, errors.New("engine is nil")
	}
	if files == nil || names == nil {
		return nil, errors.New("workspace and naming resolver are required")
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  store,
		bridge: bridge,
		gate:   gate,
		engine: eng,
		files:  files,
		names:  names,
		logger: logger,
		opts:   opts,
		queue:  make(chan string, opts.QueueSize),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// StartWorkers はディスパッチャと掃除処理をバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.dispatch()
		go m.janitor()
	})
}

// Shutdown は新規実行を止め、実行中のジョブを取り消して終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(m.cancel)
	defer m.gate.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start はジョブを登録してキューに積みます。
func (m *Manager) Start(ctx context.Context, kind engine.Kind, sourceURL, formatID string) (*Job, error) {
	if m.ctx.Err() != nil {
		return nil, apperr.Unavailable("SHUTTING_DOWN", "サーバーが停止処理中です。")
	}

	job, err := m.store.Create(ctx, kind, sourceURL, formatID)
	if err != nil {
		return nil, err
	}

	select {
	case m.queue <- job.ID:
	default:
		// pending から failed へは遷移できないため、投入できなかった記録は残さない
		if err := m.store.Delete(ctx, job.ID); err != nil {
			m.logger.WithError(err).WithField("job", job.ID).Warn("failed to drop rejected job")
		}
		return nil, apperr.Unavailable("QUEUE_FULL", "混み合っています。しばらくしてから再度お試しください。")
	}

	m.logger.WithFields(logrus.Fields{
		"job":    job.ID,
		"kind":   job.Kind,
		"format": job.FormatID,
	}).Info("job queued")
	return job, nil
}

// Get はジョブ情報を取得します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			if err := m.sem.Acquire(m.ctx, 1); err != nil {
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.run(id)
			}()
		}
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(m.ctx, now)
		}
	}
}

// sweep は期限切れのジョブと取り残された作業ディレクトリを削除します。
func (m *Manager) sweep(ctx context.Context, now time.Time) {
	expired, err := m.gate.Sweep(ctx, now)
	if err != nil {
		m.logger.WithError(err).Warn("failed to sweep expired jobs")
	} else if expired > 0 {
		m.logger.WithField("count", expired).Info("expired jobs removed")
	}

	stale, err := m.files.StaleStaging(now.Add(-m.opts.Retention))
	if err != nil {
		m.logger.WithError(err).Warn("failed to list staging dirs")
		return
	}
	for _, id := range stale {
		job, err := m.store.Get(ctx, id)
		if err == nil && !job.Status.Terminal() {
			continue
		}
		if err := m.files.RemoveStaging(id); err != nil {
			m.logger.WithError(err).WithField("job", id).Warn("failed to remove stale staging dir")
		}
	}
}

// run は1件のジョブを終端状態まで進めます。
func (m *Manager) run(jobID string) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	log := m.logger.WithField("job", jobID)

	job, err := m.store.Transition(ctx, jobID, StatusRunning, TransitionFields{})
	if err != nil {
		log.WithError(err).Warn("job could not be started")
		return
	}

	defer func() {
		if err := m.files.RemoveStaging(jobID); err != nil {
			log.WithError(err).Warn("failed to remove staging dir")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, jobID, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	started := time.Now()
	finalPath, err := m.execute(ctx, job)
	if err != nil {
		m.fail(ctx, jobID, err)
		return
	}
	log.WithFields(logrus.Fields{
		"file":    filepath.Base(finalPath),
		"elapsed": time.Since(started).Round(time.Millisecond).String(),
	}).Info("job completed")
}

func (m *Manager) execute(ctx context.Context, job *Job) (string, error) {
	meta, err := m.engine.Probe(ctx, job.SourceURL)
	if err != nil {
		return "", apperr.Upstream("メタデータの取得に失敗しました。", err)
	}
	format, ok := meta.FindFormat(job.FormatID)
	if !ok {
		return "", apperr.InvalidInput(fmt.Sprintf("format %s is not offered by the source", job.FormatID))
	}

	staging, err := m.files.StagingDir(job.ID)
	if err != nil {
		return "", err
	}

	req := engine.Request{
		SourceURL:        job.SourceURL,
		FormatID:         job.FormatID,
		Kind:             job.Kind,
		MergeAudio:       job.Kind == engine.KindVideo && !format.HasAudio(),
		AudioBitrateKbps: m.opts.AudioBitrateKbps,
		OutputDir:        staging,
	}
	output, err := m.engine.Fetch(ctx, req, func(r engine.Report) {
		m.bridge.Report(ctx, job.ID, r)
	})
	if err != nil {
		return "", apperr.Upstream("ダウンロードに失敗しました。", err)
	}
	if output == "" {
		if output, err = m.files.FindOutput(staging); err != nil {
			return "", fmt.Errorf("engine produced no output: %w", err)
		}
	}

	if _, err := m.store.Transition(ctx, job.ID, StatusFinalizing, TransitionFields{}); err != nil {
		return "", err
	}

	label := formats.VideoLabel(format)
	if job.Kind == engine.KindAudio {
		label = formats.AudioLabel(format)
	}
	candidate := naming.CanonicalName(naming.Parts{
		Title:    meta.Title,
		SourceID: meta.ID,
		Label:    label,
		FormatID: job.FormatID,
		Audio:    job.Kind == engine.KindAudio,
		Ext:      strings.TrimPrefix(filepath.Ext(output), "."),
	})
	finalPath, err := m.names.Claim(candidate, func(dst string) error {
		return m.files.Move(output, dst)
	})
	if err != nil {
		return "", fmt.Errorf("failed to finalize output: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		m.removeFile(job.ID, finalPath)
		return "", fmt.Errorf("final output not readable: %w", err)
	}
	if !info.Mode().IsRegular() {
		m.removeFile(job.ID, finalPath)
		return "", fmt.Errorf("final output is not a regular file: %s", finalPath)
	}

	if _, err := m.store.Transition(ctx, job.ID, StatusCompleted, TransitionFields{ResultPath: finalPath}); err != nil {
		m.removeFile(job.ID, finalPath)
		return "", err
	}
	m.bridge.Complete(job.ID, filepath.Base(finalPath))
	m.gate.Schedule(job.ID)
	return finalPath, nil
}

// fail は詳細をログと記録に残し、クライアントには汎用の失敗だけを通知します。自動での再試行はしません。
func (m *Manager) fail(ctx context.Context, jobID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.WithField("job", jobID)
	log.WithError(cause).Error("job failed")

	if _, err := m.store.Transition(ctx, jobID, StatusFailed, TransitionFields{ErrorDetail: cause.Error()}); err != nil {
		log.WithError(err).Error("failed to mark job as failed")
	}
	m.bridge.Fail(jobID)
	m.gate.Schedule(jobID)
}

func (m *Manager) removeFile(jobID, path string) {
	if err := m.files.Remove(path); err != nil {
		m.logger.WithError(err).WithField("job", jobID).Warn("failed to remove output")
	}
}
