// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ジョブストアのバックエンド種別です。
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ディレクトリ設定
	DownloadDir string // 変換済みファイルの出力先
	WebDir      string // 静的Web UIの配置先

	// ジョブ設定
	JobStore               string // memory または redis
	JobRedisURL            string // JobStore=redis のときの接続URL
	JobExpireMinutes       int    // 成果物の保持期間（分）
	JanitorIntervalSeconds int    // 期限切れジョブ掃除の間隔（秒）
	MaxConcurrentJobs      int    // 同時に実行するジョブ数
	JobQueueSize           int    // 待機キューの長さ

	// 変換エンジン設定
	YtDlpPath          string // yt-dlp 実行ファイルのパス
	FFmpegPath         string // ffmpeg の場所（空なら PATH から解決）
	AudioBitrateKbps   int    // 音声変換のビットレート
	ProgressIntervalMS int    // 進捗コールバックの間隔（ミリ秒）

	// ストリーミング設定
	SSEHeartbeatSeconds int // SSE のハートビート間隔（秒）

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // text または json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ディレクトリ設定
		DownloadDir: getEnv("DOWNLOAD_DIR", "./downloads"),
		WebDir:      getEnv("WEB_DIR", "./web"),

		// ジョブ設定
		JobStore:               getEnv("JOB_STORE", StoreMemory),
		JobRedisURL:            getEnv("JOB_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:       getEnvAsInt("JOB_EXPIRE_MINUTES", 10),
		JanitorIntervalSeconds: getEnvAsInt("JANITOR_INTERVAL_SECONDS", 60),
		MaxConcurrentJobs:      getEnvAsInt("MAX_CONCURRENT_JOBS", 2),
		JobQueueSize:           getEnvAsInt("JOB_QUEUE_SIZE", 64),

		// 変換エンジン設定
		YtDlpPath:          getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:         getEnv("FFMPEG_PATH", ""),
		AudioBitrateKbps:   getEnvAsInt("AUDIO_BITRATE_KBPS", 192),
		ProgressIntervalMS: getEnvAsInt("PROGRESS_INTERVAL_MS", 500),

		// ストリーミング設定
		SSEHeartbeatSeconds: getEnvAsInt("SSE_HEARTBEAT_SECONDS", 15),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreMemory:
	case StoreRedis:
		if c.JobRedisURL == "" {
			return fmt.Errorf("JOB_REDIS_URL is required when JOB_STORE=redis")
		}
	default:
		return fmt.Errorf("JOB_STORE must be %q or %q (received: %s)", StoreMemory, StoreRedis, c.JobStore)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be greater than 0")
	}
	if c.JobQueueSize < 1 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be greater than 0")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.YtDlpPath == "" {
			return fmt.Errorf("YTDLP_PATH is required in release mode")
		}
		if c.DownloadDir == "" {
			return fmt.Errorf("DOWNLOAD_DIR is required in release mode")
		}
	}

	return nil
}

// Retention は成果物の保持期間を返します。
func (c *Config) Retention() time.Duration {
	minutes := c.JobExpireMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// JanitorInterval は掃除処理の間隔を返します。
func (c *Config) JanitorInterval() time.Duration {
	seconds := c.JanitorIntervalSeconds
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// ProgressInterval は進捗コールバックの間隔を返します。
func (c *Config) ProgressInterval() time.Duration {
	ms := c.ProgressIntervalMS
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// Heartbeat は SSE ハートビート間隔を返します。
func (c *Config) Heartbeat() time.Duration {
	seconds := c.SSEHeartbeatSeconds
	if seconds <= 0 {
		seconds = 15
	}
	return time.Duration(seconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
