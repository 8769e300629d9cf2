// Package platform はプロセス全体で共有する外部クライアントの生成と破棄を行う。
//
// Initは設定に従ってSQLiteまたはFirebaseアプリ（FirestoreとFCM）、必要に応じてRedisに接続し、
// 各コンポーネントが使うストア、レジストリ、配信基盤、変更シグナルを組み立てる。
// 各コンポーネントはコンストラクタでこれらを受け取り、グローバル変数は使わない。
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/config"
	"github.com/nao1215/ordernotify/internal/feed"
	"github.com/nao1215/ordernotify/internal/push"
	"github.com/nao1215/ordernotify/internal/registry"
	"github.com/nao1215/ordernotify/internal/sqlitedb"
	"github.com/nao1215/ordernotify/internal/store"
)

// Platform はInitで生成した外部クライアントとコンポーネントをまとめる。
type Platform struct {
	// DB はSQLiteバックエンドの接続。Firestoreバックエンドではnil。
	DB *sqlx.DB
	// Firestore はFirestoreクライアント。SQLiteバックエンドではnil。
	Firestore *firestore.Client
	// Messaging はFCMクライアント。プッシュ配信が無効の場合はnil。
	Messaging *messaging.Client
	// Redis はRedisクライアント。無効の場合はnil。
	Redis *redis.Client

	// Hub はプロセス内の変更シグナルの配布先。
	Hub *feed.Hub
	// Bridge はRedis経由で変更シグナルを共有する。Redisが無効の場合はnil。
	Bridge *feed.RedisBridge

	// Records は通知レコードストア。
	Records store.RecordStore
	// Registry はデバイストークンのレジストリ。
	Registry registry.Registry
	// Transport はプッシュ配信基盤。
	Transport push.Transport
	// Changes はリアルタイムフィードの変更シグナルの供給元。
	Changes feed.ChangeSource

	logger *slog.Logger
}

// Init は設定に従って外部クライアントに接続し、コンポーネントを組み立てる。
// 途中で失敗した場合はそれまでに開いた接続を閉じてエラーを返す。
func Init(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Platform{Hub: feed.NewHub(), logger: logger}
	clk := clock.NewSystem()

	if err := p.initRedis(ctx, cfg.Redis); err != nil {
		p.Shutdown()
		return nil, err
	}

	var app *firebase.App
	if cfg.UsesFirebase() {
		var err error
		app, err = newFirebaseApp(ctx, cfg.Firebase)
		if err != nil {
			p.Shutdown()
			return nil, err
		}
	}

	switch cfg.Store.Backend {
	case config.BackendFirestore:
		client, err := app.Firestore(ctx)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("Firestoreクライアントの作成に失敗: %w", err)
		}
		p.Firestore = client
		// Firestoreのリアルタイムリスナーが全プロセスに変更を届けるため、Hubへの通知は不要
		fs := store.NewFirestoreStore(client, clk, nil, cfg.Feed.Limit)
		p.Records = fs
		p.Changes = fs
		p.Registry = registry.NewFirestoreRegistry(client, clk)
	default:
		db, err := sqlitedb.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			p.Shutdown()
			return nil, err
		}
		p.DB = db
		p.Records = store.NewSQLiteStore(db, clk, p.notifier())
		p.Changes = p.Hub
		p.Registry = registry.NewSQLiteRegistry(db, clk)
	}

	if cfg.Firebase.MessagingEnabled {
		client, err := app.Messaging(ctx)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("FCMクライアントの作成に失敗: %w", err)
		}
		p.Messaging = client
		p.Transport = push.NewFCMTransport(client, cfg.Fanout.LinkBaseURL, clk)
	} else {
		logger.Info("プッシュ配信は無効です")
		p.Transport = push.DisabledTransport{}
	}

	logger.Info("プラットフォームを初期化しました",
		"store", cfg.Store.Backend,
		"messaging", cfg.Firebase.MessagingEnabled,
		"redis", cfg.Redis.Enabled,
	)
	return p, nil
}

func (p *Platform) initRedis(ctx context.Context, cfg config.RedisConfig) error {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("Redisへの疎通確認に失敗 (addr=%s): %w", cfg.Addr, err)
	}
	p.Redis = client
	p.Bridge = feed.NewRedisBridge(client, cfg.Channel, p.Hub, p.logger)
	return nil
}

// notifier はストアが変更を通知する先を返す。Redisが有効ならブリッジ経由で全プロセスに配る。
func (p *Platform) notifier() store.ChangeNotifier {
	if p.Bridge != nil {
		return p.Bridge
	}
	return p.Hub
}

func newFirebaseApp(ctx context.Context, cfg config.FirebaseConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("Firebaseアプリの初期化に失敗: %w", err)
	}
	return app, nil
}

// RunBridge はRedisブリッジの受信ループを実行する。Redisが無効の場合はctxの終了まで待つ。
func (p *Platform) RunBridge(ctx context.Context) error {
	if p.Bridge == nil {
		<-ctx.Done()
		return nil
	}
	return p.Bridge.Run(ctx)
}

// Shutdown はInitで開いた接続をすべて閉じる。何度呼んでもよい。
func (p *Platform) Shutdown() error {
	var errs []error
	if p.DB != nil {
		if err := p.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("データベースのクローズに失敗: %w", err))
		}
		p.DB = nil
	}
	if p.Firestore != nil {
		if err := p.Firestore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Firestoreクライアントのクローズに失敗: %w", err))
		}
		p.Firestore = nil
	}
	if p.Redis != nil {
		if err := p.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Redisクライアントのクローズに失敗: %w", err))
		}
		p.Redis = nil
	}
	return errors.Join(errs...)
}

// NewLogger はログ設定からロガーを生成する。
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
