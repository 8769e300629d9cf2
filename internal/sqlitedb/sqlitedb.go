// Package sqlitedb はSQLiteバックエンドの接続とスキーマ管理を提供する。
package sqlitedb

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/ordernotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// AudienceIndexVersion は複合インデックスを作成するマイグレーションのバージョン。
const AudienceIndexVersion = 3

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// 書き込みの直列化のため接続は1本に制限する。
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	return open(ctx, dsn, 0)
}

// OpenMemory はインメモリSQLiteを開く。テスト用。
// maxVersionが0より大きい場合はそのバージョンまでのマイグレーションのみ適用する。
func OpenMemory(ctx context.Context, maxVersion int) (*sqlx.DB, error) {
	return open(ctx, ":memory:", maxVersion)
}

func open(ctx context.Context, dsn string, maxVersion int) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のDBになるため、ファイルDBでもread-merge-writeを直列化するため1本にする
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if err := migration.RunUpTo(ctx, db.DB, migrations, "migrations", maxVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}
