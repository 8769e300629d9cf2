package registry

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
)

// SQLiteRegistry はadmin_devicesテーブルをバックエンドとするレジストリ。
type SQLiteRegistry struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// clock は更新日時の取得に使う時刻源。
	clock clock.Clock
}

// NewSQLiteRegistry は新しいSQLiteRegistryを生成する。
func NewSQLiteRegistry(db *sqlx.DB, clk clock.Clock) *SQLiteRegistry {
	return &SQLiteRegistry{db: db, clock: clk}
}

// RegisterToken は管理者のトークンをupsertし、更新日時を更新する。
func (r *SQLiteRegistry) RegisterToken(ctx context.Context, adminID, token string) error {
	token, err := normalizeRegistration(adminID, token)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO admin_devices (admin_id, fcm_token, updated_at) VALUES (?, ?, ?)
ON CONFLICT(admin_id) DO UPDATE SET fcm_token = excluded.fcm_token, updated_at = excluded.updated_at`,
		adminID, token, r.clock.Now().UnixNano())
	if err != nil {
		return domain.Unavailable("トークンの登録", err)
	}
	return nil
}

// RevokeToken は管理者のトークンを削除する。
func (r *SQLiteRegistry) RevokeToken(ctx context.Context, adminID string) error {
	if adminID == "" {
		return fmt.Errorf("%w: 管理者IDが空です", domain.ErrValidation)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM admin_devices WHERE admin_id = ?`, adminID); err != nil {
		return domain.Unavailable("トークンの削除", err)
	}
	return nil
}

// ListTokensForAudience は登録済みのトークンを返す。
// 現在の管理者はすべてadminオーディエンスに属する。未知のオーディエンスには空のスライスを返す。
func (r *SQLiteRegistry) ListTokensForAudience(ctx context.Context, audience domain.Audience) ([]string, error) {
	if !audience.Valid() {
		return []string{}, nil
	}

	var tokens []string
	err := r.db.SelectContext(ctx, &tokens,
		`SELECT fcm_token FROM admin_devices WHERE fcm_token != '' ORDER BY updated_at DESC, admin_id`)
	if err != nil {
		return nil, domain.Unavailable("トークン一覧の取得", err)
	}
	return uniqueTokens(tokens), nil
}
