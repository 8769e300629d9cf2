package fanout

import (
	"context"
	"fmt"

	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/httpclient"
)

// eventsPath はEvent Storeのイベント登録API。
const eventsPath = "/api/v1/events"

// EventStoreSink は監査イベントをEvent StoreサービスにPOSTするAuditSink。
type EventStoreSink struct {
	// client はEvent Storeへの通信クライアント。
	client *httpclient.Client
}

// NewEventStoreSink は新しいEventStoreSinkを生成する。
func NewEventStoreSink(client *httpclient.Client) *EventStoreSink {
	return &EventStoreSink{client: client}
}

// Record はイベントをEvent Storeに送信する。
func (s *EventStoreSink) Record(ctx context.Context, ev *event.Event) error {
	ctx = httpclient.WithRequestID(ctx, ev.ID)
	if err := s.client.PostJSON(ctx, eventsPath, ev, nil); err != nil {
		return fmt.Errorf("Event Storeへのイベント送信に失敗: %w", err)
	}
	return nil
}
