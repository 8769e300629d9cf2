// Package store は通知レコードストアを提供する。
//
// 通知レコードは注文IDから決まるIDをキーにした冪等な作成またはマージで書き込まれ、
// 既読状態は既読操作でのみ変化する。バックエンドはSQLite（単体運用とテスト）と
// Cloud Firestore（本番）の2種類があり、どちらもRecordStoreを満たす。
//
// 書き込みが成功するとChangeNotifierへオーディエンス単位で変更を通知する。
// リアルタイムフィードはこの通知を受けて一覧を再取得する。
package store

import (
	"context"

	"github.com/nao1215/ordernotify/internal/domain"
)

// RecordStore は通知レコードの永続化を抽象化する。
type RecordStore interface {
	// CreateOrMerge はレコードを作成する。同じIDのレコードがあればマージする。
	CreateOrMerge(ctx context.Context, rec domain.Record) (domain.Record, error)
	// Get は指定IDのレコードを取得する。
	Get(ctx context.Context, id string) (domain.Record, error)
	// MarkRead は指定IDのレコードを既読にする。
	MarkRead(ctx context.Context, id string) error
	// MarkAllRead はオーディエンスの未読レコードをすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, audience domain.Audience) (int, error)
	// ListRecent はオーディエンスのレコードを新しい順にページ単位で返す。
	ListRecent(ctx context.Context, audience domain.Audience, limit int, cursor string) (domain.Page, error)
	// CountUnread はオーディエンスの未読件数を返す。
	CountUnread(ctx context.Context, audience domain.Audience) (int, error)
}

// ChangeNotifier はレコードの変更をオーディエンス単位で受け取る。
// Notifyはブロックしてはならない。
type ChangeNotifier interface {
	Notify(audience domain.Audience)
}

var (
	_ RecordStore = (*SQLiteStore)(nil)
	_ RecordStore = (*FirestoreStore)(nil)
)
