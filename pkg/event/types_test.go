package event

import (
	"encoding/json"
	"testing"
	"time"
)

// TestTypeConstants はType定数の値を検証する。
func TestTypeConstants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  Type
		want string
	}{
		{
			name: "TypeOrderCreatedの値が正しいこと",
			got:  TypeOrderCreated,
			want: "OrderCreated",
		},
		{
			name: "TypeOrderUpdatedの値が正しいこと",
			got:  TypeOrderUpdated,
			want: "OrderUpdated",
		},
		{
			name: "TypeNotificationRecordedの値が正しいこと",
			got:  TypeNotificationRecorded,
			want: "NotificationRecorded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if string(tt.got) != tt.want {
				t.Errorf("Type = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// TestOrderStatusRank はステータスの進行順序を検証する。
func TestOrderStatusRank(t *testing.T) {
	t.Parallel()

	order := []OrderStatus{
		OrderStatusPlaced,
		OrderStatusConfirmed,
		OrderStatusPreparing,
		OrderStatusOutForDelivery,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}

	t.Run("列挙順にランクが増加すること", func(t *testing.T) {
		t.Parallel()
		for i := 1; i < len(order); i++ {
			if order[i-1].Rank() >= order[i].Rank() {
				t.Errorf("%s.Rank() = %d が %s.Rank() = %d 以上", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
			}
		}
	})

	t.Run("未知のステータスは既知のステータスより小さいこと", func(t *testing.T) {
		t.Parallel()
		unknown := OrderStatus("refunded")
		if unknown.Known() {
			t.Error("refundedがKnown()=trueになった")
		}
		if unknown.Rank() >= OrderStatusPlaced.Rank() {
			t.Errorf("Rank() = %d, want < %d", unknown.Rank(), OrderStatusPlaced.Rank())
		}
	})
}

// TestOrderJSON は注文ドキュメントのJSONフィールド名を検証する。
func TestOrderJSON(t *testing.T) {
	t.Parallel()

	o := Order{
		ID:           "O1",
		OrderNumber:  "1042",
		CustomerName: "Asha",
		Total:        450,
		Status:       OrderStatusPlaced,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("json.Marshal()でエラーが発生: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("json.Unmarshal()でエラーが発生: %v", err)
	}

	for _, key := range []string{"id", "orderNumber", "customerName", "total", "status", "createdAt"} {
		if _, ok := m[key]; !ok {
			t.Errorf("キー %q がJSONに含まれていない: %s", key, string(b))
		}
	}
	if m["status"] != "placed" {
		t.Errorf("status = %v, want placed", m["status"])
	}
}
