// Package domain は通知レコードのモデルとマージ規則、エラー分類を提供する。
//
// 通知レコードはドキュメントストアが唯一の正であり、このパッケージは
// ストアの実装に依存しない純粋な値と関数のみを持つ。
package domain

import (
	"fmt"
	"time"

	"github.com/nao1215/ordernotify/pkg/event"
)

// Type は通知の種類を表す。
type Type string

const (
	// TypeNewOrder は新規注文の通知。
	TypeNewOrder Type = "new_order"
	// TypeOrderStatusUpdate は注文ステータス変更の通知。
	TypeOrderStatusUpdate Type = "order_status_update"
)

// Audience は通知の対象グループを表す。
type Audience string

const (
	// AudienceAdmin は管理者全員を表す。現在唯一のオーディエンス。
	AudienceAdmin Audience = "admin"
)

// Valid はオーディエンスが既知の値かを返す。
func (a Audience) Valid() bool {
	return a == AudienceAdmin
}

// Priority は通知の優先度を表す。
type Priority string

const (
	// PriorityHigh は高優先度。新規注文に使う。
	PriorityHigh Priority = "high"
	// PriorityNormal は通常優先度。ステータス変更に使う。
	PriorityNormal Priority = "normal"
)

// Record はアプリ内通知フィードに表示される通知ドキュメント。
type Record struct {
	// ID は通知の一意識別子。新規注文の通知では注文IDと一致する。
	ID string `json:"id"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// OrderID は通知の元になった注文のID。
	OrderID string `json:"orderId"`
	// OrderNumber は注文番号。
	OrderNumber string `json:"orderNumber"`
	// CustomerID は顧客の識別子。
	CustomerID string `json:"customerId,omitempty"`
	// CustomerName は顧客名。
	CustomerName string `json:"customerName,omitempty"`
	// CustomerEmail は顧客のメールアドレス。
	CustomerEmail string `json:"customerEmail,omitempty"`
	// CustomerPhone は顧客の電話番号。
	CustomerPhone string `json:"customerPhone,omitempty"`
	// Total は注文の合計金額。
	Total float64 `json:"total"`
	// PaymentMethod は支払い方法。
	PaymentMethod string `json:"paymentMethod,omitempty"`
	// Status は書き込み時点の注文ステータス。
	Status event.OrderStatus `json:"status"`
	// TargetAudience は通知の対象オーディエンス。
	TargetAudience Audience `json:"targetAudience"`
	// IsRead は既読フラグ。
	IsRead bool `json:"isRead"`
	// ReadAt は既読にした日時。IsReadがtrueのときのみ存在する。
	ReadAt *time.Time `json:"readAt,omitempty"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// CreatedAt はレコードが最初に作成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// Validate はレコードが書き込み可能な状態かを検証する。
// 失敗時はErrValidationをラップしたエラーを返す。
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: idが空です", ErrValidation)
	case r.Type != TypeNewOrder && r.Type != TypeOrderStatusUpdate:
		return fmt.Errorf("%w: 未知の通知種類です: %q", ErrValidation, r.Type)
	case r.Title == "":
		return fmt.Errorf("%w: titleが空です", ErrValidation)
	case r.Message == "":
		return fmt.Errorf("%w: messageが空です", ErrValidation)
	case r.OrderID == "":
		return fmt.Errorf("%w: orderIdが空です", ErrValidation)
	case !r.TargetAudience.Valid():
		return fmt.Errorf("%w: 未知のオーディエンスです: %q", ErrValidation, r.TargetAudience)
	case r.Priority != PriorityHigh && r.Priority != PriorityNormal:
		return fmt.Errorf("%w: 未知の優先度です: %q", ErrValidation, r.Priority)
	case r.Total < 0:
		return fmt.Errorf("%w: totalが負の値です", ErrValidation)
	case r.IsRead != (r.ReadAt != nil):
		return fmt.Errorf("%w: isReadとreadAtが矛盾しています", ErrValidation)
	}
	return nil
}

// CountUnread はレコード群のうち未読の件数を返す。
func CountUnread(records []Record) int {
	n := 0
	for _, r := range records {
		if !r.IsRead {
			n++
		}
	}
	return n
}
