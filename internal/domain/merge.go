package domain

// Merge は既存レコードに書き込み要求をマージした結果を返す。
// existingがnilの場合はincomingをそのまま新規レコードとして返す（既読状態は未読に正規化する）。
//
// フィールドごとの規則:
//   - 非正規化された注文フィールド、タイトル、本文、種類、優先度は空でない新しい値で上書きする
//   - totalはレコードが常に注文全体から組み立てられるため、0も含めて新しい値で上書きする
//   - statusはランクが後退しない場合のみ上書きする
//   - id、createdAt、targetAudienceは最初の値を保持する
//   - isRead、readAtは変更しない（既読操作のみが変更できる）
func Merge(existing *Record, incoming Record) Record {
	if existing == nil {
		incoming.IsRead = false
		incoming.ReadAt = nil
		return incoming
	}

	merged := *existing
	overwrite(&merged.Type, incoming.Type)
	overwrite(&merged.Title, incoming.Title)
	overwrite(&merged.Message, incoming.Message)
	overwrite(&merged.OrderID, incoming.OrderID)
	overwrite(&merged.OrderNumber, incoming.OrderNumber)
	overwrite(&merged.CustomerID, incoming.CustomerID)
	overwrite(&merged.CustomerName, incoming.CustomerName)
	overwrite(&merged.CustomerEmail, incoming.CustomerEmail)
	overwrite(&merged.CustomerPhone, incoming.CustomerPhone)
	overwrite(&merged.PaymentMethod, incoming.PaymentMethod)
	overwrite(&merged.Priority, incoming.Priority)
	merged.Total = incoming.Total
	if incoming.Status != "" && incoming.Status.Rank() >= merged.Status.Rank() {
		merged.Status = incoming.Status
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}
	if merged.TargetAudience == "" {
		merged.TargetAudience = incoming.TargetAudience
	}
	return merged
}

func overwrite[T ~string](dst *T, v T) {
	if v != "" {
		*dst = v
	}
}
