package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

// Store はジョブ状態の保存先です。返されるジョブはスナップショットで、変更しても保存先には影響しません。
type Store interface {
	Create(ctx context.Context, kind engine.Kind, sourceURL, formatID string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Transition は現在の状態が遷移元として妥当な場合に限り状態を進めます。
	Transition(ctx context.Context, id string, to Status, fields TransitionFields) (*Job, error)
	// UpdateProgress は running のジョブに限り mutate を適用します。mutate が false を返した場合は保存しません。
	UpdateProgress(ctx context.Context, id string, mutate func(*Progress) bool) (*Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Job, error)
}

func jobNotFound(id string) error {
	return apperr.NotFound("JOB_NOT_FOUND", "指定されたジョブは存在しません。", fmt.Errorf("job %s", id))
}

func newJob(kind engine.Kind, sourceURL, formatID string, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		SourceURL: sourceURL,
		FormatID:  formatID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// applyTransition は遷移後のジョブを新しく作って返します。cur は変更しません。
func applyTransition(cur *Job, to Status, fields TransitionFields, now time.Time) (*Job, error) {
	if !CanTransition(cur.Status, to) {
		return nil, apperr.New(apperr.ErrInvalidTransition, "INVALID_TRANSITION", "ジョブの状態を変更できません。",
			fmt.Errorf("job %s: %s -> %s", cur.ID, cur.Status, to))
	}
	if to == StatusCompleted && fields.ResultPath == "" {
		return nil, apperr.New(apperr.ErrInvalidTransition, "INVALID_TRANSITION", "ジョブの状態を変更できません。",
			fmt.Errorf("job %s: completed requires a result path", cur.ID))
	}

	next := cur.clone()
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case StatusCompleted:
		next.ResultPath = fields.ResultPath
	case StatusFailed:
		next.ErrorDetail = fields.ErrorDetail
	}
	return next, nil
}

type memoryEntry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Job]
}

// MemoryStore はプロセス内にジョブ状態を保持します。
// 書き込みはジョブ単位で排他し、読み込みは最新のスナップショットをロックなしで返します。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, kind engine.Kind, sourceURL, formatID string) (*Job, error) {
	kind, sourceURL, formatID, err := validateCreate(kind, sourceURL, formatID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := newJob(kind, sourceURL, formatID, s.now())
	for {
		if _, exists := s.entries[job.ID]; !exists {
			break
		}
		job.ID = uuid.NewString()
	}
	e := &memoryEntry{}
	e.snap.Store(job)
	s.entries[job.ID] = e
	return job.clone(), nil
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, jobNotFound(id)
	}
	return e.snap.Load().clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to Status, fields TransitionFields) (*Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, jobNotFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := applyTransition(e.snap.Load(), to, fields, s.now())
	if err != nil {
		return nil, err
	}
	e.snap.Store(next)
	return next.clone(), nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, mutate func(*Progress) bool) (*Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, jobNotFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.Status != StatusRunning {
		return nil, fmt.Errorf("job %s is %s: %w", id, cur.Status, ErrNotRunning)
	}
	next := cur.clone()
	if !mutate(&next.Progress) {
		return cur.clone(), nil
	}
	next.UpdatedAt = s.now()
	e.snap.Store(next)
	return next.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snap.Load().clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
