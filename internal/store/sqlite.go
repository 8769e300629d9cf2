package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/pkg/event"
)

// audienceIndexName は一覧クエリに必要な複合インデックスの名前。
const audienceIndexName = "idx_notifications_audience_created_at"

// recordColumns はnotificationsテーブルの列。recordRowのdbタグと同期すること。
const recordColumns = `id, type, title, message, order_id, order_number, customer_id, customer_name,
	customer_email, customer_phone, total, payment_method, status, target_audience,
	is_read, read_at, priority, created_at`

// SQLiteStore はSQLiteをバックエンドとする通知レコードストア。
// 接続は1本に制限されており、トランザクション単位で書き込みが直列化される。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// clock は既読日時の取得に使う時刻源。
	clock clock.Clock
	// notifier は書き込み後に変更を通知する先。nilの場合は通知しない。
	notifier ChangeNotifier
}

// NewSQLiteStore は新しいSQLiteStoreを生成する。
// dbはsqlitedb.Openでマイグレーション済みであること。
func NewSQLiteStore(db *sqlx.DB, clk clock.Clock, notifier ChangeNotifier) *SQLiteStore {
	return &SQLiteStore{db: db, clock: clk, notifier: notifier}
}

// recordRow はnotificationsテーブルの1行。
type recordRow struct {
	ID             string        `db:"id"`
	Type           string        `db:"type"`
	Title          string        `db:"title"`
	Message        string        `db:"message"`
	OrderID        string        `db:"order_id"`
	OrderNumber    string        `db:"order_number"`
	CustomerID     string        `db:"customer_id"`
	CustomerName   string        `db:"customer_name"`
	CustomerEmail  string        `db:"customer_email"`
	CustomerPhone  string        `db:"customer_phone"`
	Total          float64       `db:"total"`
	PaymentMethod  string        `db:"payment_method"`
	Status         string        `db:"status"`
	TargetAudience string        `db:"target_audience"`
	IsRead         bool          `db:"is_read"`
	ReadAt         sql.NullInt64 `db:"read_at"`
	Priority       string        `db:"priority"`
	CreatedAt      int64         `db:"created_at"`
}

func toRow(r domain.Record) recordRow {
	row := recordRow{
		ID:             r.ID,
		Type:           string(r.Type),
		Title:          r.Title,
		Message:        r.Message,
		OrderID:        r.OrderID,
		OrderNumber:    r.OrderNumber,
		CustomerID:     r.CustomerID,
		CustomerName:   r.CustomerName,
		CustomerEmail:  r.CustomerEmail,
		CustomerPhone:  r.CustomerPhone,
		Total:          r.Total,
		PaymentMethod:  r.PaymentMethod,
		Status:         string(r.Status),
		TargetAudience: string(r.TargetAudience),
		IsRead:         r.IsRead,
		Priority:       string(r.Priority),
		CreatedAt:      r.CreatedAt.UnixNano(),
	}
	if r.ReadAt != nil {
		row.ReadAt = sql.NullInt64{Int64: r.ReadAt.UnixNano(), Valid: true}
	}
	return row
}

func (row recordRow) toRecord() domain.Record {
	r := domain.Record{
		ID:             row.ID,
		Type:           domain.Type(row.Type),
		Title:          row.Title,
		Message:        row.Message,
		OrderID:        row.OrderID,
		OrderNumber:    row.OrderNumber,
		CustomerID:     row.CustomerID,
		CustomerName:   row.CustomerName,
		CustomerEmail:  row.CustomerEmail,
		CustomerPhone:  row.CustomerPhone,
		Total:          row.Total,
		PaymentMethod:  row.PaymentMethod,
		Status:         event.OrderStatus(row.Status),
		TargetAudience: domain.Audience(row.TargetAudience),
		IsRead:         row.IsRead,
		Priority:       domain.Priority(row.Priority),
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
	}
	if row.ReadAt.Valid {
		t := time.Unix(0, row.ReadAt.Int64).UTC()
		r.ReadAt = &t
	}
	return r
}

// CreateOrMerge はレコードを作成する。同じIDのレコードが存在する場合はdomain.Mergeでマージする。
// 既読状態は変更しない。書き込み後のレコードを返す。
func (s *SQLiteStore) CreateOrMerge(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if err := rec.Validate(); err != nil {
		return domain.Record{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Record{}, domain.Unavailable("トランザクション開始", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing *domain.Record
	var row recordRow
	err = tx.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM notifications WHERE id = ?`, rec.ID)
	switch {
	case err == nil:
		r := row.toRecord()
		existing = &r
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.Record{}, domain.Unavailable("既存レコードの取得", err)
	}

	merged := domain.Merge(existing, rec)
	// 既読状態の列はON CONFLICT側で更新しない
	_, err = tx.NamedExecContext(ctx, `
INSERT INTO notifications (`+recordColumns+`)
VALUES (:id, :type, :title, :message, :order_id, :order_number, :customer_id, :customer_name,
	:customer_email, :customer_phone, :total, :payment_method, :status, :target_audience,
	:is_read, :read_at, :priority, :created_at)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	title = excluded.title,
	message = excluded.message,
	order_id = excluded.order_id,
	order_number = excluded.order_number,
	customer_id = excluded.customer_id,
	customer_name = excluded.customer_name,
	customer_email = excluded.customer_email,
	customer_phone = excluded.customer_phone,
	total = excluded.total,
	payment_method = excluded.payment_method,
	status = excluded.status,
	priority = excluded.priority`, toRow(merged))
	if err != nil {
		return domain.Record{}, domain.Unavailable("通知レコードの書き込み", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Record{}, domain.Unavailable("コミット", err)
	}

	s.notify(merged.TargetAudience)
	return merged, nil
}

// Get は指定IDのレコードを取得する。存在しない場合はdomain.ErrNotFoundを返す。
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("%w: id=%s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Record{}, domain.Unavailable("通知レコードの取得", err)
	}
	return row.toRecord(), nil
}

// MarkRead は指定IDのレコードを既読にする。すでに既読の場合は最初の既読日時を保持する。
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Unavailable("トランザクション開始", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var audience string
	err = tx.GetContext(ctx, &audience, `SELECT target_audience FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id=%s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Unavailable("通知レコードの取得", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0`,
		s.clock.Now().UnixNano(), id)
	if err != nil {
		return domain.Unavailable("既読処理", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Unavailable("コミット", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(domain.Audience(audience))
	}
	return nil
}

// MarkAllRead はオーディエンスの未読レコードをすべて1回の更新で既読にし、更新件数を返す。
// 更新と同時に作成されたレコードは含まれない場合がある。
func (s *SQLiteStore) MarkAllRead(ctx context.Context, audience domain.Audience) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE target_audience = ? AND is_read = 0`,
		s.clock.Now().UnixNano(), string(audience))
	if err != nil {
		return 0, domain.Unavailable("一括既読処理", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Unavailable("更新件数の取得", err)
	}
	if n > 0 {
		s.notify(audience)
	}
	return int(n), nil
}

// ListRecent はオーディエンスのレコードを作成日時の降順で最大limit件返す。
// 複合インデックスが存在しない場合は*domain.IndexMissingErrorを返す。
func (s *SQLiteStore) ListRecent(ctx context.Context, audience domain.Audience, limit int, cursor string) (domain.Page, error) {
	limit = domain.ClampLimit(limit)
	c, err := domain.DecodeCursor(cursor)
	if err != nil {
		return domain.Page{}, err
	}

	if err := s.requireAudienceIndex(ctx); err != nil {
		return domain.Page{}, err
	}

	var rows []recordRow
	if c.IsZero() {
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+recordColumns+` FROM notifications
WHERE target_audience = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, string(audience), limit+1)
	} else {
		after := c.CreatedAt.UnixNano()
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+recordColumns+` FROM notifications
WHERE target_audience = ? AND (created_at < ? OR (created_at = ? AND id < ?))
ORDER BY created_at DESC, id DESC
LIMIT ?`, string(audience), after, after, c.ID, limit+1)
	}
	if err != nil {
		return domain.Page{}, domain.Unavailable("通知一覧の取得", err)
	}

	records := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return domain.NewPage(records, limit), nil
}

// CountUnread はオーディエンスの未読件数を返す。
func (s *SQLiteStore) CountUnread(ctx context.Context, audience domain.Audience) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE target_audience = ? AND is_read = 0`, string(audience))
	if err != nil {
		return 0, domain.Unavailable("未読件数の取得", err)
	}
	return n, nil
}

// requireAudienceIndex は一覧クエリ用の複合インデックスの存在を確認する。
func (s *SQLiteStore) requireAudienceIndex(ctx context.Context) error {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, audienceIndexName)
	if err != nil {
		return domain.Unavailable("インデックスの確認", err)
	}
	if n == 0 {
		return domain.NotificationsIndexMissing(nil)
	}
	return nil
}

func (s *SQLiteStore) notify(audience domain.Audience) {
	if s.notifier != nil {
		s.notifier.Notify(audience)
	}
}
