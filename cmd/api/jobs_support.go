package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/engine"
	"github.com/yourusername/media-forge/internal/formats"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/naming"
	"github.com/yourusername/media-forge/internal/storage"
)

// services はルーティングに渡す依存関係をまとめたものです。
type services struct {
	manager  *jobs.Manager
	handlers *jobs.Handlers
	formats  *formats.Resolver
	closers  []func() error
}

func (s *services) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

func setupJobs(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	files, err := storage.NewLocal(cfg.DownloadDir)
	if err != nil {
		return nil, err
	}

	svc := &services{}
	store, err := setupStore(cfg, svc)
	if err != nil {
		return nil, err
	}

	ytdlp := engine.NewYtDlp(engine.Options{
		Executable:       cfg.YtDlpPath,
		FFmpegPath:       cfg.FFmpegPath,
		ProgressInterval: cfg.ProgressInterval(),
	}, logger.WithField("component", "engine"))

	jobLogger := logger.WithField("component", "jobs")
	bridge := jobs.NewBridge(store, jobLogger)
	gate := jobs.NewGate(store, bridge, files, cfg.Retention(), jobLogger)
	manager, err := jobs.NewManager(store, bridge, gate, ytdlp, files, naming.NewResolver(files), jobLogger, jobs.Options{
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		QueueSize:        cfg.JobQueueSize,
		AudioBitrateKbps: cfg.AudioBitrateKbps,
		Retention:        cfg.Retention(),
		JanitorInterval:  cfg.JanitorInterval(),
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.manager = manager
	svc.handlers = jobs.NewHandlers(manager, bridge, gate, cfg.Heartbeat(), jobLogger)
	svc.formats = formats.NewResolver(ytdlp)
	return svc, nil
}

func setupStore(cfg *config.Config, svc *services) (jobs.Store, error) {
	if cfg.JobStore != config.StoreRedis {
		return jobs.NewMemoryStore(), nil
	}

	opt, err := redis.ParseURL(cfg.JobRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	svc.closers = append(svc.closers, redisClient.Close)

	// 期限切れ処理より先にキーが消えないよう、保持期間に余裕を持たせる
	return jobs.NewRedisStore(redisClient, 2*cfg.Retention()), nil
}
