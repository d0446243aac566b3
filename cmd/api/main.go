// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/formats"
	"github.com/yourusername/media-forge/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	svc, err := setupJobs(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to set up jobs: %v", err)
	}
	defer svc.Close()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	if origins := splitOrigins(cfg.CORSAllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// ダウンロード時のファイル名をフロントエンドから読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, svc, logger)

	svc.manager.StartWorkers()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := svc.manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("job workers did not stop in time")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "media-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API と静的ファイル配信の配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *services, logger *logrus.Logger) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		api.GET("/health", handleHealth)
		api.GET("/formats", formats.Handler(svc.formats, logger.WithField("component", "formats")))
		api.POST("/download/start", svc.handlers.Start)
		api.GET("/download/result/:id", svc.handlers.Result)
		api.GET("/progress/:id", svc.handlers.Progress)
		api.GET("/jobs/:id", svc.handlers.Status)
	}

	router.NoRoute(staticHandler(cfg.WebDir))
}

// staticHandler は WEB_DIR 配下のファイルを返します。存在しないパスには index.html を返します。
func staticHandler(webDir string) gin.HandlerFunc {
	root, err := filepath.Abs(webDir)
	if err != nil {
		root = webDir
	}
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "指定されたリソースは存在しません。"})
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "指定されたAPIは存在しません。"})
			return
		}

		target := filepath.Join(root, filepath.FromSlash(filepath.Clean("/"+c.Request.URL.Path)))
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			c.File(target)
			return
		}
		index := filepath.Join(root, "index.html")
		if _, err := os.Stat(index); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "指定されたリソースは存在しません。"})
			return
		}
		c.File(index)
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
