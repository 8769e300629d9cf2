// Package migration はSQLiteデータベースのマイグレーションを管理する。
// embed.FSから 000001_description.up.sql 形式のファイルを読み込み、
// schema_migrations テーブルで適用済みのバージョンを記録する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Run は未適用のマイグレーションをバージョン順にすべて適用する。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) error {
	return RunUpTo(ctx, db, fsys, dir, 0)
}

// RunUpTo はバージョンmaxVersionまでの未適用のマイグレーションを適用する。
// maxVersionが0以下の場合はすべて適用する。途中のスキーマ状態を再現するテストで使う。
func RunUpTo(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, maxVersion int) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := Versions(ctx, db)
	if err != nil {
		return err
	}

	files, err := collect(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗 (dir=%s): %w", dir, err)
	}

	for _, f := range files {
		if maxVersion > 0 && f.version > maxVersion {
			break
		}
		if slices.Contains(applied, f.version) {
			continue
		}
		if err := apply(ctx, db, fsys, f); err != nil {
			return fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", f.version, f.name, err)
		}
		slog.Info("マイグレーションを適用しました", "version", f.version, "name", f.name)
	}
	return nil
}

// Versions は適用済みのバージョンを昇順で返す。
func Versions(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("適用済みバージョンの読み取りに失敗: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// file は1つのマイグレーションファイル。
type file struct {
	version int
	name    string
	path    string
}

// collect はdir直下の up.sql ファイルをバージョン順に返す。名前の形式が合わないファイルは無視する。
func collect(fsys fs.FS, dir string) ([]file, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []file
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !ok {
			continue
		}
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		files = append(files, file{version: version, name: name, path: path.Join(dir, e.Name())})
	}

	slices.SortFunc(files, func(a, b file) int { return cmp.Compare(a.version, b.version) })
	return files, nil
}

// apply は1つのマイグレーションとそのバージョンの記録を同じトランザクションで行う。
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, f file) error {
	content, err := fs.ReadFile(fsys, f.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", f.version, f.name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
