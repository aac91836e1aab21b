// Package app はアプリケーションの起動・ワイヤリング・サブコマンド実行を提供する。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pitwall/internal/config"
	"github.com/hitoshi/pitwall/internal/database"
	"github.com/hitoshi/pitwall/internal/feed"
	"github.com/hitoshi/pitwall/internal/logger"
	"github.com/hitoshi/pitwall/internal/metrics"
	"github.com/hitoshi/pitwall/internal/ops"
	"github.com/hitoshi/pitwall/internal/reader"
	"github.com/hitoshi/pitwall/internal/repository"
	"github.com/hitoshi/pitwall/internal/security"
	"github.com/hitoshi/pitwall/internal/store"
	"github.com/hitoshi/pitwall/internal/worker/enrich"
	"github.com/hitoshi/pitwall/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("database_path", cfg.DatabasePath),
	)

	var rest []string
	if len(args) > 0 {
		rest = args[1:]
	}

	switch cmd {
	case CommandRefresh:
		return runRefresh(cfg, w)
	case CommandList:
		return runList(cfg, w, rest)
	case CommandSeen:
		return runSeen(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runRun(cfg)
	}
}

// core はワイヤリング済みのアプリケーションコア一式。
type core struct {
	db       *sql.DB
	service  *reader.Service
	enricher *enrich.Scheduler
	registry *prometheus.Registry
}

func (c *core) Close() error {
	return c.db.Close()
}

// buildCore はDBを開き、全依存関係をワイヤリングしてコアを構築する。
// マイグレーションは毎回適用される（冪等）。
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	if err := database.RunMigrations(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	blobs := repository.NewSQLiteBlobRepo(db)
	st := store.New(blobs, slog.Default(), cfg.Retention, cfg.Cooldown, cfg.ProxyBase)
	if err := st.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	// 起動時プルーニング（前回終了後に保持期間を超えた記事の掃除）
	if _, _, err := st.Prune(ctx, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup prune failed: %w", err)
	}

	ssrfGuard := security.NewSSRFGuard()
	text := security.NewTextExtractor()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	fetcher := feed.NewFetcher(ssrfGuard, st, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize)
	normalizer := feed.NewNormalizer(text, cfg.Retention)
	orchestrator := refresh.NewOrchestrator(st, fetcher, normalizer, slog.Default(), collector, cfg.FetchMaxConcurrent)

	enricher := enrich.NewScheduler(
		st, ssrfGuard, st, slog.Default(), collector,
		cfg.EnrichMaxConcurrent, cfg.EnrichQueueSize,
		cfg.EnrichTimeout, cfg.EnrichMaxSize,
		cfg.EnrichRate, cfg.EnrichBurst,
	)

	return &core{
		db:       db,
		service:  reader.NewService(st, orchestrator, enricher),
		enricher: enricher,
		registry: registry,
	}, nil
}

// runRun は常駐モードで起動する。
// エンリッチメントワーカーと定期リフレッシュを実行し、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runRun(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// エンリッチメントワーカーをバックグラウンドで起動
	enricherDone := make(chan struct{})
	go func() {
		c.enricher.Start(ctx)
		close(enricherDone)
	}()

	// opsリスナー（設定時のみ）
	var opsServer *http.Server
	if cfg.OpsAddr != "" {
		opsServer = &http.Server{
			Addr:         cfg.OpsAddr,
			Handler:      ops.NewRouter(c.db, c.registry),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("ops listener starting", slog.String("addr", cfg.OpsAddr))
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops listener error", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("run mode started",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Duration("cooldown", cfg.Cooldown),
	)

	// 起動直後に1回リフレッシュ（クールダウン中なら見送られる）
	refreshOnce(ctx, c, cfg)

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			refreshOnce(ctx, c, cfg)
		}
	}

	slog.Info("shutting down...")

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops listener shutdown failed", slog.String("error", err.Error()))
		}
	}

	<-enricherDone
	slog.Info("stopped gracefully")
	return nil
}

// refreshOnce は1リフレッシュサイクルを実行し、新着があれば先頭の記事を
// エンリッチメント対象として通知する（常駐モードでの可視性の代替）。
func refreshOnce(ctx context.Context, c *core, cfg *config.Config) {
	result, err := c.service.RefreshAll(ctx)
	if err != nil {
		slog.Error("refresh cycle failed", slog.String("error", err.Error()))
		return
	}
	if result.Skipped {
		return
	}

	articles := c.service.Articles("", "")
	limit := cfg.VisibleBatch
	if limit > len(articles) {
		limit = len(articles)
	}
	for _, a := range articles[:limit] {
		c.service.NoteVisible(a.ID)
	}
}

// runRefresh は全フィードを1回リフレッシュし、結果サマリを出力して終了する。
func runRefresh(cfg *config.Config, w io.Writer) error {
	ctx := context.Background()
	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.service.RefreshAll(ctx)
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Fprintf(w, "cooldown active, %s remaining\n", result.Remaining.Round(time.Second))
		return nil
	}

	fmt.Fprintf(w, "added %d articles\n", result.Added)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	return nil
}

// runList は記事一覧をJSONで出力して終了する。
// -feedでフィードタイトル完全一致、-searchでタイトル部分一致の絞り込みができる。
func runList(cfg *config.Config, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	filter := fs.String("feed", "", "フィードタイトルで絞り込む")
	search := fs.String("search", "", "タイトル/フィードタイトルで検索する")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	articles := c.service.Articles(*filter, *search)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(articles)
}

// runSeen は全記事を既読にして終了する。
func runSeen(cfg *config.Config) error {
	ctx := context.Background()
	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.service.MarkAllSeen(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_path", cfg.DatabasePath),
	)

	if err := database.RunMigrations(cfg.DatabasePath); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("migrations applied")
	return nil
}
