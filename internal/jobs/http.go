package jobs

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

// Handlers はジョブ関連の HTTP ハンドラーです。
type Handlers struct {
	manager   *Manager
	bridge    *Bridge
	gate      *Gate
	heartbeat time.Duration
	logger    logrus.FieldLogger
}

// NewHandlers は Handlers を作成します。
func NewHandlers(manager *Manager, bridge *Bridge, gate *Gate, heartbeat time.Duration, logger logrus.FieldLogger) *Handlers {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handlers{
		manager:   manager,
		bridge:    bridge,
		gate:      gate,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

type startRequest struct {
	URL      string `form:"url" json:"url"`
	Type     string `form:"type" json:"type"`
	FormatID string `form:"format_id" json:"format_id"`
}

// Start は POST /api/download/start のハンドラーです。クエリ、フォーム、JSON のいずれでも受け付けます。
func (h *Handlers) Start(c *gin.Context) {
	var req startRequest
	_ = c.ShouldBindQuery(&req)
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストの形式が不正です。",
			})
			return
		}
	}

	job, err := h.manager.Start(c.Request.Context(), engine.Kind(req.Type), req.URL, req.FormatID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

// Progress は GET /api/progress/:id のハンドラーです。進捗を Server-Sent Events で配信します。
func (h *Handlers) Progress(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()

	events, cancel, err := h.bridge.Subscribe(ctx, jobID)
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 購読の解除だけを行い、ジョブ自体は継続させる
			return
		case <-ticker.C:
			c.Render(-1, sse.Event{Data: gin.H{"type": "heartbeat"}})
			c.Writer.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Render(-1, sse.Event{Data: ev.Payload()})
			c.Writer.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// Status は GET /api/jobs/:id のハンドラーです。失敗の詳細は返しません。
func (h *Handlers) Status(c *gin.Context) {
	job, err := h.manager.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	payload := gin.H{
		"jobId":  job.ID,
		"kind":   job.Kind,
		"status": job.Status,
		"progress": gin.H{
			"percent":         job.Progress.Percent,
			"downloadedBytes": job.Progress.DownloadedBytes,
			"totalBytes":      job.Progress.TotalBytes,
			"speed":           job.Progress.Speed,
			"eta":             job.Progress.ETASeconds,
		},
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}
	switch job.Status {
	case StatusCompleted:
		payload["filename"] = filepath.Base(job.ResultPath)
	case StatusFailed:
		payload["message"] = failedMessage
	}
	c.JSON(http.StatusOK, payload)
}

// Result は GET /api/download/result/:id のハンドラーです。成果物は1回だけ取得でき、送信後に削除されます。
// 送信が途中で終わった場合は削除せず、保持期間内であれば再取得できます。
func (h *Handlers) Result(c *gin.Context) {
	result, err := h.gate.Fetch(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	defer result.Release()

	encodedName := url.PathEscape(result.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFilename(result.Filename), encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
	c.DataFromReader(http.StatusOK, result.Size, result.ContentType, result.File, nil)

	if c.Request.Context().Err() != nil || int64(c.Writer.Size()) != result.Size {
		h.logger.WithFields(logrus.Fields{
			"job":     result.JobID,
			"written": c.Writer.Size(),
			"size":    result.Size,
		}).Warn("result transfer incomplete")
		return
	}
	result.Cleanup()
}

func (h *Handlers) respondWithError(c *gin.Context, err error) {
	var appErr *apperr.Error
	switch {
	case errors.Is(err, apperr.ErrInvalidInput) && errors.As(err, &appErr):
		c.JSON(http.StatusBadRequest, gin.H{"code": appErr.Code, "message": appErr.Message})
	case errors.Is(err, apperr.ErrNotFound) && errors.As(err, &appErr):
		c.JSON(http.StatusNotFound, gin.H{"code": appErr.Code, "message": appErr.Message})
	case errors.Is(err, apperr.ErrUnavailable) && errors.As(err, &appErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": appErr.Code, "message": appErr.Message})
	default:
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// asciiFilename は filename パラメーター用に ASCII 以外と引用符を "_" に置き換えます。
func asciiFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
