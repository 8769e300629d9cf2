// 通知APIサービスのエントリポイント。
// 管理画面向けに通知一覧、リアルタイムフィード、既読管理、デバイストークン登録を提供する。
// 内部APIで受け取った注文イベントのファンアウトも行う。
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/ordernotify/internal/config"
	"github.com/nao1215/ordernotify/internal/fanout"
	"github.com/nao1215/ordernotify/internal/feed"
	"github.com/nao1215/ordernotify/internal/metrics"
	"github.com/nao1215/ordernotify/internal/notification"
	"github.com/nao1215/ordernotify/internal/platform"
	"github.com/nao1215/ordernotify/internal/push"
	"github.com/nao1215/ordernotify/pkg/httpclient"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORDERNOTIFY_CONFIG"), "設定ファイルのパス")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("通知サービスが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := platform.NewLogger(cfg.Log).With("service", "notification")
	slog.SetDefault(logger)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.Init(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			logger.Warn("終了処理に失敗", "error", err)
		}
	}()

	deps := fanout.Deps{
		Registry:   p.Registry,
		Dispatcher: push.NewDispatcher(p.Transport, logger),
		Records:    p.Records,
		Logger:     logger,
	}
	if cfg.EventStore.URL != "" {
		deps.Audit = fanout.NewEventStoreSink(httpclient.New(cfg.EventStore.URL))
	}
	trigger := fanout.NewTrigger(deps, fanout.Config{
		HandlerTimeout: cfg.Fanout.HandlerTimeout,
		Icon:           cfg.Fanout.Icon,
		Badge:          cfg.Fanout.Badge,
	})

	server := notification.NewServer(notification.Deps{
		Records:  p.Records,
		Registry: p.Registry,
		Feed:     feed.New(p.Records, p.Changes, feed.Config{Limit: cfg.Feed.Limit, PollInterval: cfg.Feed.PollInterval}, logger),
		Events:   trigger,
		Logger:   logger,
	}, notification.Config{
		Port:            cfg.Server.Port,
		JWTSecret:       cfg.Auth.JWTSecret,
		Issuer:          cfg.Auth.Issuer,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		KeepAlive:       cfg.Feed.KeepAlive,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return p.RunBridge(gctx) })
	return g.Wait()
}
