package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeOrder は注文エンティティを表す。
	AggregateTypeOrder AggregateType = "Order"
	// AggregateTypeNotification はアプリ内通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeOrderCreated は注文が作成されたことを表す。
	TypeOrderCreated Type = "OrderCreated"
	// TypeOrderUpdated は注文ドキュメントが更新されたことを表す。
	// ステータス以外のフィールド変更も含まれる。
	TypeOrderUpdated Type = "OrderUpdated"
	// TypeNotificationRecorded はアプリ内通知レコードが書き込まれたことを表す。
	TypeNotificationRecorded Type = "NotificationRecorded"
)

// Event は注文管理サブシステムと通知サービスの間で受け渡される不変のイベントレコード。
// 同じイベントが複数回配送される可能性がある（at-least-once）。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。注文イベントでは注文IDになる。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// OrderStatus は注文のステータスを表す。
type OrderStatus string

const (
	// OrderStatusPlaced は注文が受け付けられた状態。
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusConfirmed は注文が確定した状態。
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing は調理・準備中の状態。
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusOutForDelivery は配達中の状態。
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered は配達完了の状態。
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled はキャンセルされた状態。終端状態として扱う。
	OrderStatusCancelled OrderStatus = "cancelled"
)

// statusRank はステータスの進行順序。
var statusRank = map[OrderStatus]int{
	OrderStatusPlaced:         0,
	OrderStatusConfirmed:      1,
	OrderStatusPreparing:      2,
	OrderStatusOutForDelivery: 3,
	OrderStatusDelivered:      4,
	OrderStatusCancelled:      5,
}

// Rank はステータスの進行順序を返す。
// 未知のステータスは既知のすべてのステータスより小さい -1 を返す。
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Known はステータスが列挙値のいずれかであるかを返す。
func (s OrderStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Order は注文管理サブシステムが所有する注文ドキュメント。このサービスでは読み取り専用。
type Order struct {
	// ID は注文の一意識別子。
	ID string `json:"id"`
	// OrderNumber は人が読むための注文番号。
	OrderNumber string `json:"orderNumber"`
	// CustomerID は顧客の識別子。
	CustomerID string `json:"customerId"`
	// CustomerName は顧客名。
	CustomerName string `json:"customerName"`
	// CustomerEmail は顧客のメールアドレス。
	CustomerEmail string `json:"customerEmail"`
	// CustomerPhone は顧客の電話番号。
	CustomerPhone string `json:"customerPhone"`
	// Total は注文の合計金額（ルピー）。
	Total float64 `json:"total"`
	// PaymentMethod は支払い方法。
	PaymentMethod string `json:"paymentMethod"`
	// Status は注文のステータス。
	Status OrderStatus `json:"status"`
	// CreatedAt は注文の作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// OrderCreatedData はOrderCreatedイベントのデータ。
type OrderCreatedData struct {
	// Order は作成された注文。
	Order Order `json:"order"`
}

// OrderUpdatedData はOrderUpdatedイベントのデータ。
type OrderUpdatedData struct {
	// Before は更新前の注文。
	Before Order `json:"before"`
	// After は更新後の注文。
	After Order `json:"after"`
}

// NotificationRecordedData はNotificationRecordedイベントのデータ。
type NotificationRecordedData struct {
	// NotificationID は書き込まれた通知レコードのID。
	NotificationID string `json:"notification_id"`
	// OrderID は通知の元になった注文のID。
	OrderID string `json:"order_id"`
	// NotificationType は通知の種類（new_order / order_status_update）。
	NotificationType string `json:"notification_type"`
	// Audience は通知の対象オーディエンス。
	Audience string `json:"audience"`
}
