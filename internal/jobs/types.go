// Package jobs はダウンロードジョブの登録・実行・進捗配信・成果物受け渡しを提供します。
package jobs

import (
	"errors"
	"time"

	"github.com/yourusername/media-forge/internal/engine"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 許可される状態遷移です。
var transitions = map[Status][]Status{
	StatusPending:    {StatusRunning},
	StatusRunning:    {StatusFinalizing, StatusFailed},
	StatusFinalizing: {StatusCompleted, StatusFailed},
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrNotRunning は running 以外のジョブに進捗を書き込もうとしたことを表します。
var ErrNotRunning = errors.New("job is not running")

// Progress は進捗の状態です。不明な値は nil です。
type Progress struct {
	Percent         float64  `json:"percent"`
	DownloadedBytes int64    `json:"downloadedBytes"`
	TotalBytes      *int64   `json:"totalBytes,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	ETASeconds      *int64   `json:"etaSeconds,omitempty"`
}

func (p Progress) clone() Progress {
	out := p
	if p.TotalBytes != nil {
		v := *p.TotalBytes
		out.TotalBytes = &v
	}
	if p.Speed != nil {
		v := *p.Speed
		out.Speed = &v
	}
	if p.ETASeconds != nil {
		v := *p.ETASeconds
		out.ETASeconds = &v
	}
	return out
}

// Job はジョブの現在状態です。ErrorDetail はクライアントへ返しません。
type Job struct {
	ID          string      `json:"id"`
	Kind        engine.Kind `json:"kind"`
	SourceURL   string      `json:"sourceUrl"`
	FormatID    string      `json:"formatId"`
	Status      Status      `json:"status"`
	Progress    Progress    `json:"progress"`
	ResultPath  string      `json:"resultPath,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Progress = j.Progress.clone()
	return &out
}

// TransitionFields は遷移と同時に設定する値です。
type TransitionFields struct {
	ResultPath  string
	ErrorDetail string
}
