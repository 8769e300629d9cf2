package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("設定ファイルの作成に失敗: %v", err)
	}
	return path
}

// 環境変数を使うためt.Parallelは使わない。
func TestLoad(t *testing.T) {
	t.Run("ファイルなしで既定値を使う", func(t *testing.T) {
		t.Setenv("ORDERNOTIFY_AUTH_JWT_SECRET", "test-secret")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("読み込みに失敗: %v", err)
		}
		if cfg.Store.Backend != BackendSQLite || cfg.Server.Port != "8080" {
			t.Errorf("既定値が一致しない: %+v", cfg)
		}
		if cfg.Fanout.HandlerTimeout != 30*time.Second || cfg.Feed.Limit != 50 {
			t.Errorf("既定値が一致しない: fanout=%+v feed=%+v", cfg.Fanout, cfg.Feed)
		}
		if cfg.RabbitMQ.MaxRetries != 3 || cfg.RabbitMQ.DeadLetterQueue != "order_events.dlq" {
			t.Errorf("既定値が一致しない: %+v", cfg.RabbitMQ)
		}
		if cfg.UsesFirebase() {
			t.Error("既定ではFirebaseを使わないべき")
		}
		if cfg.Feed.PollInterval != 5*time.Second || cfg.Feed.KeepAlive != 25*time.Second {
			t.Errorf("フィードの既定値が一致しない: %+v", cfg.Feed)
		}
	})

	t.Run("YAMLファイルで上書きできる", func(t *testing.T) {
		t.Setenv("ORDERNOTIFY_AUTH_JWT_SECRET", "test-secret")
		path := writeConfig(t, `
server:
  port: "9090"
store:
  backend: firestore
firebase:
  project_id: demo-project
  messaging_enabled: true
feed:
  poll_interval: 5s
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("読み込みに失敗: %v", err)
		}
		if cfg.Server.Port != "9090" || cfg.Store.Backend != BackendFirestore {
			t.Errorf("ファイルの値が反映されていない: %+v", cfg)
		}
		if cfg.Feed.PollInterval != 5*time.Second {
			t.Errorf("poll_intervalが一致しない: %v", cfg.Feed.PollInterval)
		}
		if !cfg.UsesFirebase() {
			t.Error("Firebaseを使うべき")
		}
	})

	t.Run("環境変数はファイルより優先する", func(t *testing.T) {
		t.Setenv("ORDERNOTIFY_AUTH_JWT_SECRET", "test-secret")
		t.Setenv("ORDERNOTIFY_RABBITMQ_URL", "amqp://user:pass@mq:5672/")
		t.Setenv("ORDERNOTIFY_FANOUT_HANDLER_TIMEOUT", "5s")
		path := writeConfig(t, "rabbitmq:\n  url: amqp://file/\n")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("読み込みに失敗: %v", err)
		}
		if cfg.RabbitMQ.URL != "amqp://user:pass@mq:5672/" {
			t.Errorf("環境変数が優先されるべき: %q", cfg.RabbitMQ.URL)
		}
		if cfg.Fanout.HandlerTimeout != 5*time.Second {
			t.Errorf("handler_timeoutが一致しない: %v", cfg.Fanout.HandlerTimeout)
		}
	})

	t.Run("存在しないファイルはエラーになる", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("エラーになるべき")
		}
	})

	t.Run("firestoreにはproject_idが必要", func(t *testing.T) {
		path := writeConfig(t, "store:\n  backend: firestore\n")
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "firebase.project_id") {
			t.Errorf("project_idの不足を報告すべき: %v", err)
		}
	})

	t.Run("未知のバックエンドはエラーになる", func(t *testing.T) {
		t.Setenv("ORDERNOTIFY_STORE_BACKEND", "mongodb")
		if _, err := Load(""); err == nil {
			t.Error("エラーになるべき")
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Auth:  AuthConfig{JWTSecret: "secret", Issuer: "ordernotify"},
			Store: StoreConfig{Backend: BackendSQLite, SQLitePath: "/tmp/ordernotify.db"},
			Feed:  FeedConfig{Limit: 50, PollInterval: 5 * time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "正しい設定は通る",
			mutate: func(*Config) {},
		},
		{
			name:    "JWTの署名鍵が空の場合はエラー",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "SQLiteでRedisも定期取得もない場合はエラー",
			mutate:  func(c *Config) { c.Feed.PollInterval = 0 },
			wantErr: "feed.poll_interval",
		},
		{
			name: "SQLiteでもRedisがあれば定期取得なしでよい",
			mutate: func(c *Config) {
				c.Feed.PollInterval = 0
				c.Redis.Enabled = true
			},
		},
		{
			name: "Firestoreは定期取得なしでよい",
			mutate: func(c *Config) {
				c.Store.Backend = BackendFirestore
				c.Firebase.ProjectID = "demo-project"
				c.Feed.PollInterval = 0
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("エラーになるべきではない: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("%sの不足を報告すべき: %v", tt.wantErr, err)
			}
		})
	}
}
