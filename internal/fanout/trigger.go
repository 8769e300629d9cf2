// Package fanout は注文イベントを受けて、管理者へのプッシュ通知とアプリ内通知レコードの
// 書き込みに振り分ける。
//
// プッシュ配信はベストエフォートで、失敗してもレコードの書き込みは必ず行う。
// レコードの書き込みに失敗した場合のみエラーを返し、呼び出し元の再配送に任せる。
// 同じイベントが再配送されてもレコードは注文から決まるIDでマージされるため重複しない。
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/metrics"
	"github.com/nao1215/ordernotify/internal/push"
	"github.com/nao1215/ordernotify/pkg/event"
)

// DefaultHandlerTimeout はイベント1件の処理時間の既定の上限。
const DefaultHandlerTimeout = 30 * time.Second

// TokenResolver はオーディエンスのデバイストークンを解決する。registry.Registryが満たす。
type TokenResolver interface {
	ListTokensForAudience(ctx context.Context, audience domain.Audience) ([]string, error)
}

// Dispatcher はプッシュ通知を配信する。*push.Dispatcherが満たす。
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []string, payload push.Payload, opts push.Options) (push.Report, error)
}

// RecordWriter は通知レコードを書き込む。store.RecordStoreが満たす。
type RecordWriter interface {
	CreateOrMerge(ctx context.Context, rec domain.Record) (domain.Record, error)
}

// AuditSink は書き込んだ通知の監査イベントを受け取る。
type AuditSink interface {
	Record(ctx context.Context, ev *event.Event) error
}

// Config はトリガーの設定。
type Config struct {
	// HandlerTimeout はイベント1件の処理時間の上限。0の場合はDefaultHandlerTimeoutを使う。
	HandlerTimeout time.Duration
	// PushTimeout はプッシュ配信に使える時間の上限。残りはレコードの書き込みに使う。
	// 0以下またはHandlerTimeout以上の場合はHandlerTimeoutの半分を使う。
	PushTimeout time.Duration
	// Icon はプッシュ通知のアイコンのパス。
	Icon string
	// Badge はプッシュ通知のバッジ画像のパス。
	Badge string
}

// Deps はトリガーが依存するコンポーネント。
type Deps struct {
	// Registry はデバイストークンの解決先。
	Registry TokenResolver
	// Dispatcher はプッシュ配信。
	Dispatcher Dispatcher
	// Records は通知レコードの書き込み先。
	Records RecordWriter
	// Audit は監査イベントの送信先。nilの場合は送信しない。
	Audit AuditSink
	// Clock はレコードの作成日時の取得に使う時刻源。
	Clock clock.Clock
	// Logger はログの出力先。
	Logger *slog.Logger
}

// Trigger は注文イベントをプッシュ配信とレコード書き込みに振り分ける。
type Trigger struct {
	registry   TokenResolver
	dispatcher Dispatcher
	records    RecordWriter
	audit      AuditSink
	clock      clock.Clock
	logger     *slog.Logger
	cfg        Config
}

// NewTrigger は新しいTriggerを生成する。
func NewTrigger(deps Deps, cfg Config) *Trigger {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.PushTimeout <= 0 || cfg.PushTimeout >= cfg.HandlerTimeout {
		cfg.PushTimeout = cfg.HandlerTimeout / 2
	}
	if cfg.Icon == "" {
		cfg.Icon = "/logo.png"
	}
	if cfg.Badge == "" {
		cfg.Badge = cfg.Icon
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Trigger{
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		records:    deps.Records,
		audit:      deps.Audit,
		clock:      deps.Clock,
		logger:     deps.Logger.With("component", "fanout"),
		cfg:        cfg,
	}
}

// HandleEvent はイベントの種類に応じたハンドラを呼ぶ。
// 注文イベント以外は無視してnilを返す。データが壊れている場合はdomain.ErrValidationを返す。
func (t *Trigger) HandleEvent(ctx context.Context, ev *event.Event) error {
	start := time.Now()
	defer func() {
		metrics.FanoutDuration.WithLabelValues(string(ev.EventType)).Observe(time.Since(start).Seconds())
	}()

	var err error
	switch ev.EventType {
	case event.TypeOrderCreated:
		data, decErr := event.DecodeData[event.OrderCreatedData](ev)
		if decErr != nil {
			err = fmt.Errorf("%w: %w", domain.ErrValidation, decErr)
			break
		}
		err = t.HandleOrderCreated(ctx, data.Order)
	case event.TypeOrderUpdated:
		data, decErr := event.DecodeData[event.OrderUpdatedData](ev)
		if decErr != nil {
			err = fmt.Errorf("%w: %w", domain.ErrValidation, decErr)
			break
		}
		err = t.HandleOrderUpdated(ctx, data.Before, data.After)
	default:
		t.logger.Debug("対象外のイベントを無視", "event_type", ev.EventType, "event_id", ev.ID)
		metrics.FanoutEventsTotal.WithLabelValues(string(ev.EventType), metrics.ResultIgnored).Inc()
		return nil
	}

	metrics.FanoutEventsTotal.WithLabelValues(string(ev.EventType), resultLabel(err)).Inc()
	return err
}

// HandleOrderCreated は新規注文を管理者に通知し、アプリ内通知レコードを書き込む。
func (t *Trigger) HandleOrderCreated(ctx context.Context, order event.Order) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandlerTimeout)
	defer cancel()

	rec, err := domain.NewOrderRecord(order, t.clock.Now())
	if err != nil {
		return err
	}
	logger := t.logger.With("order_id", order.ID, "type", rec.Type)

	payload := t.payload(rec, map[string]string{
		"orderId":      order.ID,
		"orderNumber":  order.OrderNumber,
		"customerId":   order.CustomerID,
		"customerName": order.CustomerName,
		"total":        domain.FormatTotal(order.Total),
		"type":         string(domain.TypeNewOrder),
	})
	t.push(ctx, logger, payload, push.Options{Priority: domain.PriorityHigh, TTL: push.DefaultTTL})

	return t.write(ctx, logger, rec)
}

// HandleOrderUpdated はステータスが変わった場合のみ管理者に通知し、ステータス変更レコードを書き込む。
// ステータス以外の変更は何もしない。
func (t *Trigger) HandleOrderUpdated(ctx context.Context, before, after event.Order) error {
	if before.Status == after.Status {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandlerTimeout)
	defer cancel()

	rec, err := domain.StatusUpdateRecord(after, t.clock.Now())
	if err != nil {
		return err
	}
	logger := t.logger.With("order_id", after.ID, "type", rec.Type, "from", before.Status, "to", after.Status)

	payload := t.payload(rec, map[string]string{
		"orderId":     after.ID,
		"orderNumber": after.OrderNumber,
		"status":      string(after.Status),
		"type":        string(domain.TypeOrderStatusUpdate),
	})
	t.push(ctx, logger, payload, push.Options{Priority: domain.PriorityNormal, TTL: push.DefaultTTL})

	return t.write(ctx, logger, rec)
}

func (t *Trigger) payload(rec domain.Record, data map[string]string) push.Payload {
	link := "/orders/" + rec.OrderID
	data["click_action"] = link
	return push.Payload{
		Title:              rec.Title,
		Body:               rec.Message,
		Icon:               t.cfg.Icon,
		Badge:              t.cfg.Badge,
		Tag:                rec.OrderID,
		RequireInteraction: true,
		Link:               link,
		Data:               data,
	}
}

// push はトークンを解決して配信する。失敗はログに残すだけで呼び出し元に返さない。
// 配信が止まってもレコードを書き込めるよう、PushTimeoutで打ち切る。
func (t *Trigger) push(ctx context.Context, logger *slog.Logger, payload push.Payload, opts push.Options) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PushTimeout)
	defer cancel()

	tokens, err := t.registry.ListTokensForAudience(ctx, domain.AudienceAdmin)
	if err != nil {
		logger.Warn("デバイストークンの取得に失敗したためプッシュ配信を省略", "error", err)
		return
	}
	if len(tokens) == 0 {
		logger.Info("登録済みデバイスがないためプッシュ配信を省略")
		return
	}

	report, err := t.dispatcher.Dispatch(ctx, tokens, payload, opts)
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		logger.Info("プッシュ配信が許可されていないため省略", "error", err)
	case err != nil:
		logger.Warn("プッシュ配信に失敗", "delivered", report.Delivered, "failed", report.Failed, "error", err)
	default:
		logger.Info("プッシュ配信が完了", "delivered", report.Delivered, "failed", report.Failed)
	}
}

// write はレコードを書き込み、監査イベントを送る。書き込みの失敗のみ返す。
func (t *Trigger) write(ctx context.Context, logger *slog.Logger, rec domain.Record) error {
	stored, err := t.records.CreateOrMerge(ctx, rec)
	if err != nil {
		logger.Error("通知レコードの書き込みに失敗", "notification_id", rec.ID, "error", err)
		return fmt.Errorf("通知レコードの書き込みに失敗 (id=%s): %w", rec.ID, err)
	}
	logger.Info("通知レコードを書き込みました", "notification_id", stored.ID)

	if t.audit == nil {
		return nil
	}
	ev, err := event.New(stored.ID, event.AggregateTypeNotification, event.TypeNotificationRecorded, 1, event.NotificationRecordedData{
		NotificationID:   stored.ID,
		OrderID:          stored.OrderID,
		NotificationType: string(stored.Type),
		Audience:         string(stored.TargetAudience),
	})
	if err != nil {
		logger.Warn("監査イベントの生成に失敗", "error", err)
		return nil
	}
	if err := t.audit.Record(ctx, ev); err != nil {
		logger.Warn("監査イベントの送信に失敗", "notification_id", stored.ID, "error", err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrValidation):
		return metrics.ResultInvalid
	default:
		return metrics.ResultError
	}
}
