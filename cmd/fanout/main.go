// ファンアウトワーカーのエントリポイント。
// RabbitMQから注文イベントを受け取り、管理者へのプッシュ通知とアプリ内通知レコードの書き込みを行う。
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
	"github.com/nao1215/ordernotify/internal/consumer"
	"github.com/nao1215/ordernotify/internal/fanout"
	"github.com/nao1215/ordernotify/internal/metrics"
	"github.com/nao1215/ordernotify/internal/platform"
	"github.com/nao1215/ordernotify/internal/push"
	"github.com/nao1215/ordernotify/pkg/httpclient"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORDERNOTIFY_CONFIG"), "設定ファイルのパス")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("ファンアウトワーカーが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := platform.NewLogger(cfg.Log).With("service", "fanout")
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

	conn, err := consumer.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("RabbitMQ接続のクローズに失敗", "error", err)
		}
	}()

	c := consumer.New(conn.Channel, trigger, consumer.Config{
		Queue:           cfg.RabbitMQ.Queue,
		DeadLetterQueue: cfg.RabbitMQ.DeadLetterQueue,
		Prefetch:        cfg.RabbitMQ.Prefetch,
		MaxRetries:      cfg.RabbitMQ.MaxRetries,
	}, logger)
	if err := c.Setup(); err != nil {
		return err
	}

	logger.Info("ファンアウトワーカーを起動します", "queue", cfg.RabbitMQ.Queue)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return p.RunBridge(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("ファンアウトワーカーを停止しました")
	return nil
}
