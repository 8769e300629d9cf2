package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/ordernotify/internal/domain"
)

// DefaultRedisChannel はプロセス間で変更シグナルを共有するRedisチャネル。
const DefaultRedisChannel = "ordernotify:notifications:changes"

// publishTimeout はRedisへの発行1回あたりの時間上限。
const publishTimeout = 2 * time.Second

// changeEnvelope はRedis Pub/Subで受け渡す変更シグナル。
type changeEnvelope struct {
	Audience string    `json:"audience"`
	SentAt   time.Time `json:"sent_at"`
}

// RedisBridge は変更シグナルをRedis Pub/Sub経由で全プロセスのHubに配る。
// APIサーバーとワーカーが別プロセスでも、ワーカーの書き込みがAPI側のフィードに届く。
type RedisBridge struct {
	// client はRedisクライアント。SubscribeのためCmdableではなく*redis.Clientを使う。
	client *redis.Client
	// channel はPub/Subのチャネル名。
	channel string
	// hub は受信したシグナルを配るプロセス内のHub。
	hub *Hub
	// logger はPub/Subの失敗の出力先。
	logger *slog.Logger
}

// NewRedisBridge は新しいRedisBridgeを生成する。channelが空の場合はDefaultRedisChannelを使う。
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{client: client, channel: channel, hub: hub, logger: logger}
}

// Notify は変更シグナルをRedisに発行する。発行に失敗した場合はプロセス内のHubにだけ配る。
func (b *RedisBridge) Notify(audience domain.Audience) {
	body, err := json.Marshal(changeEnvelope{Audience: string(audience), SentAt: time.Now().UTC()})
	if err != nil {
		b.logger.Error("変更シグナルのエンコードに失敗", "error", err)
		b.hub.Notify(audience)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		b.logger.Warn("変更シグナルの発行に失敗", "channel", b.channel, "error", err)
		b.hub.Notify(audience)
	}
}

// Run はRedisチャネルを購読し、受信したシグナルをHubに配る。ctxが終了するまでブロックする。
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	// 購読の確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisチャネルの購読に失敗 (channel=%s): %w", b.channel, err)
	}
	b.logger.Info("Redisの変更シグナルの購読を開始", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

// handle は受信したペイロードをデコードしてHubに配る。
func (b *RedisBridge) handle(payload string) {
	var env changeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("変更シグナルのデコードに失敗", "channel", b.channel, "error", err)
		return
	}
	if env.Audience == "" {
		return
	}
	b.hub.Notify(domain.Audience(env.Audience))
}
