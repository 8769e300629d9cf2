// Package consumer はRabbitMQのキューから注文イベントを受け取り、ファンアウトに渡す。
//
// メッセージは処理が成功した場合のみAckする。データの不備は再試行しても成功しないため
// すぐにデッドレターキューへ送る。それ以外の失敗はx-retry-countを増やして同じキューへ
// 再発行し、上限に達したらデッドレターキューへ送る。
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/pkg/event"
)

// HeaderRetryCount は再発行した回数を記録するヘッダー。
const HeaderRetryCount = "x-retry-count"

// 既定値。
const (
	DefaultQueue           = "order_events"
	DefaultDeadLetterQueue = "order_events.dlq"
	DefaultPrefetch        = 8
	DefaultMaxRetries      = 3
)

// EventHandler は注文イベントを処理する。*fanout.Triggerが満たす。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *event.Event) error
}

// Channel は消費者が使うAMQPチャネルの操作。*amqp.Channelが満たす。
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Config は消費者の設定。
type Config struct {
	// Queue は注文イベントのキュー名。
	Queue string
	// DeadLetterQueue は処理できなかったメッセージを送るキュー名。
	DeadLetterQueue string
	// Prefetch は同時に受け取る未Ackメッセージの上限。並行に処理するワーカー数も兼ねる。
	Prefetch int
	// MaxRetries は再発行の上限回数。
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Queue + ".dlq"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Consumer は注文イベントのキューを消費する。
type Consumer struct {
	ch      Channel
	handler EventHandler
	cfg     Config
	logger  *slog.Logger
}

// New は新しいConsumerを生成する。
func New(ch Channel, handler EventHandler, cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{ch: ch, handler: handler, cfg: cfg.withDefaults(), logger: logger.With("component", "consumer")}
}

// Setup はデッドレターキューと、そこへ転送する設定を持つキューを宣言する。
func (c *Consumer) Setup() error {
	if _, err := c.ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターキューの宣言に失敗 (queue=%s): %w", c.cfg.DeadLetterQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.cfg.DeadLetterQueue,
	}
	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("キューの宣言に失敗 (queue=%s): %w", c.cfg.Queue, err)
	}

	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("プリフェッチ数の設定に失敗: %w", err)
	}
	return nil
}

// Run はキューの消費を開始し、ctxが終了するかチャネルが閉じるまでブロックする。
// Prefetchと同じ数のワーカーで並行に処理する。
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("キューの消費開始に失敗 (queue=%s): %w", c.cfg.Queue, err)
	}
	c.logger.Info("注文イベントの消費を開始", "queue", c.cfg.Queue, "workers", c.cfg.Prefetch)

	var wg sync.WaitGroup
	closed := make(chan struct{})
	var once sync.Once
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					c.Process(ctx, d)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-closed:
		if ctx.Err() == nil {
			return errors.New("RabbitMQの配送チャネルが閉じられました")
		}
	default:
	}
	c.logger.Info("注文イベントの消費を停止")
	return nil
}

// Process は1件のメッセージを処理し、結果に応じてAck、再発行、デッドレターのいずれかを行う。
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) {
	retries := RetryCount(d.Headers)
	logger := c.logger.With("message_id", d.MessageId, "retry", retries)

	ev, err := event.Parse(d.Body)
	if err != nil {
		logger.Error("イベントのデコードに失敗したためデッドレターに送る", "error", err)
		c.deadLetter(logger, d)
		return
	}
	logger = logger.With("event_id", ev.ID, "event_type", ev.EventType, "aggregate_id", ev.AggregateID)

	err = c.handler.HandleEvent(ctx, ev)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("Ackに失敗", "error", ackErr)
		}
	case errors.Is(err, domain.ErrValidation):
		logger.Error("不正なイベントのためデッドレターに送る", "error", err)
		c.deadLetter(logger, d)
	case retries >= c.cfg.MaxRetries:
		logger.Error("再試行の上限に達したためデッドレターに送る", "error", err)
		c.deadLetter(logger, d)
	default:
		logger.Warn("イベントの処理に失敗したため再発行する", "error", err)
		c.retry(ctx, logger, d, retries+1)
	}
}

// retry はx-retry-countを増やしてメッセージを同じキューへ再発行し、元のメッセージをAckする。
// 再発行に失敗した場合は元のメッセージをキューに戻す。
func (c *Consumer) retry(ctx context.Context, logger *slog.Logger, d amqp.Delivery, count int) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(count)

	err := c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	})
	if err != nil {
		logger.Error("再発行に失敗したためキューに戻す", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("Nackに失敗", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		logger.Error("Ackに失敗", "error", ackErr)
	}
}

func (c *Consumer) deadLetter(logger *slog.Logger, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		logger.Error("Nackに失敗", "error", err)
	}
}

// RetryCount はヘッダーから再発行の回数を読み取る。ない場合は0を返す。
func RetryCount(h amqp.Table) int {
	switch v := h[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}
