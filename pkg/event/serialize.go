package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewOrderCreated は注文作成イベントを生成する。
func NewOrderCreated(order Order) (*Event, error) {
	return New(order.ID, AggregateTypeOrder, TypeOrderCreated, 1, OrderCreatedData{Order: order})
}

// NewOrderUpdated は注文更新イベントを生成する。
func NewOrderUpdated(before, after Order, version int64) (*Event, error) {
	return New(after.ID, AggregateTypeOrder, TypeOrderUpdated, version, OrderUpdatedData{Before: before, After: after})
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Parse はJSONバイト列からイベントを復元する。
// 種類または対象IDが欠けたイベントはエラーになる。
func Parse(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	if e.EventType == "" {
		return nil, errors.New("イベントの種類が指定されていません")
	}
	if e.AggregateID == "" {
		return nil, errors.New("イベントの対象IDが指定されていません")
	}
	return &e, nil
}
