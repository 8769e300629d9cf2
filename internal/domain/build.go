package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nao1215/ordernotify/pkg/event"
)

// NewOrderTitle は新規注文通知のタイトル。
const NewOrderTitle = "🎉 New Order Received!"

// fallbackStatusTitle は表にないステータスに使うタイトル。
const fallbackStatusTitle = "Order Updated"

// statusTitles はステータスごとの通知タイトル。
var statusTitles = map[event.OrderStatus]string{
	event.OrderStatusConfirmed:      "Order Confirmed",
	event.OrderStatusPreparing:      "Order Being Prepared",
	event.OrderStatusOutForDelivery: "Out for Delivery",
	event.OrderStatusDelivered:      "Order Delivered",
	event.OrderStatusCancelled:      "Order Cancelled",
}

// StatusTitle はステータスに対応する通知タイトルを返す。
// 表にないステータスはエラーにせず "Order Updated" を返す。
func StatusTitle(status event.OrderStatus) string {
	if title, ok := statusTitles[status]; ok {
		return title
	}
	return fallbackStatusTitle
}

// FormatTotal は金額を通知本文用の文字列にする。整数の場合は小数点以下を表示しない。
func FormatTotal(total float64) string {
	return strconv.FormatFloat(total, 'f', -1, 64)
}

// NewOrderMessage は新規注文通知の本文を返す。
func NewOrderMessage(o event.Order) string {
	return fmt.Sprintf("Order #%s from %s - ₹%s", o.OrderNumber, o.CustomerName, FormatTotal(o.Total))
}

// StatusMessage はステータス変更通知の本文を返す。
func StatusMessage(o event.Order) string {
	return fmt.Sprintf("Order #%s status updated", o.OrderNumber)
}

// StatusRecordID はステータス変更通知のレコードIDを返す。
// 同じ遷移の再配送が同じレコードにマージされるよう、注文IDと遷移先ステータスから決定的に作る。
func StatusRecordID(orderID string, status event.OrderStatus) string {
	return orderID + "_status_" + string(status)
}

// validateOrder は通知の元になる注文の必須フィールドを検証する。
func validateOrder(o event.Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: 注文IDが空です", ErrValidation)
	case o.OrderNumber == "":
		return fmt.Errorf("%w: 注文番号が空です (id=%s)", ErrValidation, o.ID)
	case o.Total < 0:
		return fmt.Errorf("%w: 合計金額が負の値です (id=%s)", ErrValidation, o.ID)
	}
	return nil
}

// NewOrderRecord は新規注文から通知レコードを組み立てる。
// レコードIDは注文IDと同じで、これが冪等性キーになる。
func NewOrderRecord(o event.Order, now time.Time) (Record, error) {
	if err := validateOrder(o); err != nil {
		return Record{}, err
	}

	r := Record{
		ID:             o.ID,
		Type:           TypeNewOrder,
		Title:          NewOrderTitle,
		Message:        NewOrderMessage(o),
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		CustomerID:     o.CustomerID,
		CustomerName:   o.CustomerName,
		CustomerEmail:  o.CustomerEmail,
		CustomerPhone:  o.CustomerPhone,
		Total:          o.Total,
		PaymentMethod:  o.PaymentMethod,
		Status:         o.Status,
		TargetAudience: AudienceAdmin,
		Priority:       PriorityHigh,
		CreatedAt:      now,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// StatusUpdateRecord はステータス変更後の注文から通知レコードを組み立てる。
func StatusUpdateRecord(after event.Order, now time.Time) (Record, error) {
	if err := validateOrder(after); err != nil {
		return Record{}, err
	}
	if after.Status == "" {
		return Record{}, fmt.Errorf("%w: ステータスが空です (id=%s)", ErrValidation, after.ID)
	}

	r := Record{
		ID:             StatusRecordID(after.ID, after.Status),
		Type:           TypeOrderStatusUpdate,
		Title:          StatusTitle(after.Status),
		Message:        StatusMessage(after),
		OrderID:        after.ID,
		OrderNumber:    after.OrderNumber,
		CustomerID:     after.CustomerID,
		CustomerName:   after.CustomerName,
		CustomerEmail:  after.CustomerEmail,
		CustomerPhone:  after.CustomerPhone,
		Total:          after.Total,
		PaymentMethod:  after.PaymentMethod,
		Status:         after.Status,
		TargetAudience: AudienceAdmin,
		Priority:       PriorityNormal,
		CreatedAt:      now,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
