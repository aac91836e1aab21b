package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// すべての項目にデフォルト値があり、必須環境変数は存在しない。
type Config struct {
	// Database
	DatabasePath string

	// Proxy
	ProxyBase string

	// Refresh
	Cooldown           time.Duration // リフレッシュ間の最低経過時間（全フィード共通ゲート）
	RefreshInterval    time.Duration // runモードでのゲート確認間隔
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int

	// Retention
	Retention time.Duration // この期間を超えた記事はプルーニング対象

	// Enrichment
	EnrichMaxConcurrent int
	EnrichTimeout       time.Duration
	EnrichMaxSize       int64
	EnrichRate          float64 // ページフェッチのレート（req/sec）
	EnrichBurst         int
	EnrichQueueSize     int
	VisibleBatch        int // runモードで可視とみなす先頭記事数

	// Ops
	OpsAddr string // 空文字のときopsリスナーは起動しない
}

// Load は環境変数からConfigを読み込む。
// 未設定の項目はデフォルト値で埋める。
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:        getEnvString("DATABASE_PATH", "pitwall.db"),
		ProxyBase:           getEnvString("PROXY_BASE", ""),
		Cooldown:            getEnvDuration("COOLDOWN", 30*time.Minute),
		RefreshInterval:     getEnvDuration("REFRESH_INTERVAL", time.Minute),
		FetchTimeout:        getEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		FetchMaxSize:        getEnvInt64("FETCH_MAX_SIZE", 5242880),
		FetchMaxConcurrent:  getEnvInt("FETCH_MAX_CONCURRENT", 10),
		Retention:           getEnvDuration("RETENTION", 7*24*time.Hour),
		EnrichMaxConcurrent: getEnvInt("ENRICH_MAX_CONCURRENT", 2),
		EnrichTimeout:       getEnvDuration("ENRICH_TIMEOUT", 10*time.Second),
		EnrichMaxSize:       getEnvInt64("ENRICH_MAX_SIZE", 2097152),
		EnrichRate:          getEnvFloat("ENRICH_RATE", 1.0),
		EnrichBurst:         getEnvInt("ENRICH_BURST", 2),
		EnrichQueueSize:     getEnvInt("ENRICH_QUEUE_SIZE", 256),
		VisibleBatch:        getEnvInt("VISIBLE_BATCH", 12),
		OpsAddr:             getEnvString("OPS_ADDR", ""),
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
