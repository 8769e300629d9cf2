package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/pkg/event"
)

// NotificationsCollection は通知レコードを保存するFirestoreコレクション名。
const NotificationsCollection = "notifications"

// maxWritesPerTransaction はFirestoreの1トランザクションあたりの書き込み上限。
const maxWritesPerTransaction = 500

// FirestoreStore はCloud Firestoreをバックエンドとする通知レコードストア。
type FirestoreStore struct {
	// client はFirestoreクライアント。
	client *firestore.Client
	// clock は既読日時の取得に使う時刻源。
	clock clock.Clock
	// notifier は書き込み後に変更を通知する先。nilの場合は通知しない。
	notifier ChangeNotifier
	// listenLimit はSubscribeで監視する最新レコードの件数。
	listenLimit int
}

// NewFirestoreStore は新しいFirestoreStoreを生成する。
// listenLimitが0以下の場合はdomain.MaxListLimitを使う。
func NewFirestoreStore(client *firestore.Client, clk clock.Clock, notifier ChangeNotifier, listenLimit int) *FirestoreStore {
	if listenLimit <= 0 {
		listenLimit = domain.MaxListLimit
	}
	return &FirestoreStore{client: client, clock: clk, notifier: notifier, listenLimit: listenLimit}
}

// recordDoc はnotificationsコレクションのドキュメント。
type recordDoc struct {
	ID             string     `firestore:"id"`
	Type           string     `firestore:"type"`
	Title          string     `firestore:"title"`
	Message        string     `firestore:"message"`
	OrderID        string     `firestore:"orderId"`
	OrderNumber    string     `firestore:"orderNumber"`
	CustomerID     string     `firestore:"customerId"`
	CustomerName   string     `firestore:"customerName"`
	CustomerEmail  string     `firestore:"customerEmail"`
	CustomerPhone  string     `firestore:"customerPhone"`
	Total          float64    `firestore:"total"`
	PaymentMethod  string     `firestore:"paymentMethod"`
	Status         string     `firestore:"status"`
	TargetAudience string     `firestore:"targetAudience"`
	IsRead         bool       `firestore:"isRead"`
	ReadAt         *time.Time `firestore:"readAt"`
	Priority       string     `firestore:"priority"`
	CreatedAt      time.Time  `firestore:"createdAt"`
}

func toDoc(r domain.Record) recordDoc {
	return recordDoc{
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
		ReadAt:         r.ReadAt,
		Priority:       string(r.Priority),
		CreatedAt:      r.CreatedAt,
	}
}

func (d recordDoc) toRecord(docID string) domain.Record {
	id := d.ID
	if id == "" {
		id = docID
	}
	r := domain.Record{
		ID:             id,
		Type:           domain.Type(d.Type),
		Title:          d.Title,
		Message:        d.Message,
		OrderID:        d.OrderID,
		OrderNumber:    d.OrderNumber,
		CustomerID:     d.CustomerID,
		CustomerName:   d.CustomerName,
		CustomerEmail:  d.CustomerEmail,
		CustomerPhone:  d.CustomerPhone,
		Total:          d.Total,
		PaymentMethod:  d.PaymentMethod,
		Status:         event.OrderStatus(d.Status),
		TargetAudience: domain.Audience(d.TargetAudience),
		IsRead:         d.IsRead,
		Priority:       domain.Priority(d.Priority),
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.IsRead && d.ReadAt != nil {
		t := d.ReadAt.UTC()
		r.ReadAt = &t
	}
	return r
}

func decodeDoc(snap *firestore.DocumentSnapshot) (domain.Record, error) {
	var d recordDoc
	if err := snap.DataTo(&d); err != nil {
		return domain.Record{}, fmt.Errorf("通知ドキュメントの変換に失敗 (id=%s): %w", snap.Ref.ID, err)
	}
	return d.toRecord(snap.Ref.ID), nil
}

func (s *FirestoreStore) collection() *firestore.CollectionRef {
	return s.client.Collection(NotificationsCollection)
}

// CreateOrMerge はレコードを作成する。同じIDのドキュメントが存在する場合はdomain.Mergeでマージする。
// 読み取りとマージと書き込みは1つのトランザクションで行う。
func (s *FirestoreStore) CreateOrMerge(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if err := rec.Validate(); err != nil {
		return domain.Record{}, err
	}

	ref := s.collection().Doc(rec.ID)
	var merged domain.Record
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var existing *domain.Record
		switch {
		case err == nil:
			r, err := decodeDoc(snap)
			if err != nil {
				return err
			}
			existing = &r
		case status.Code(err) == codes.NotFound:
		default:
			return err
		}

		merged = domain.Merge(existing, rec)
		return tx.Set(ref, toDoc(merged))
	})
	if err != nil {
		return domain.Record{}, domain.Unavailable("通知レコードの書き込み", err)
	}

	s.notify(merged.TargetAudience)
	return merged, nil
}

// Get は指定IDのドキュメントを取得する。存在しない場合はdomain.ErrNotFoundを返す。
func (s *FirestoreStore) Get(ctx context.Context, id string) (domain.Record, error) {
	snap, err := s.collection().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return domain.Record{}, fmt.Errorf("%w: id=%s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Record{}, domain.Unavailable("通知レコードの取得", err)
	}
	rec, err := decodeDoc(snap)
	if err != nil {
		return domain.Record{}, domain.Unavailable("通知レコードの取得", err)
	}
	return rec, nil
}

// MarkRead は指定IDのドキュメントを既読にする。すでに既読の場合は最初の既読日時を保持する。
func (s *FirestoreStore) MarkRead(ctx context.Context, id string) error {
	ref := s.collection().Doc(id)
	var audience domain.Audience
	changed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: id=%s", domain.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		rec, err := decodeDoc(snap)
		if err != nil {
			return err
		}
		audience = rec.TargetAudience
		if rec.IsRead {
			return nil
		}
		changed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "isRead", Value: true},
			{Path: "readAt", Value: s.clock.Now()},
		})
	})
	if err != nil {
		return domain.Unavailable("既読処理", err)
	}

	if changed {
		s.notify(audience)
	}
	return nil
}

// MarkAllRead はオーディエンスの未読ドキュメントを既読にし、更新件数を返す。
// 1トランザクションの書き込み上限ごとに分割して、未読がなくなるまで繰り返す。
func (s *FirestoreStore) MarkAllRead(ctx context.Context, audience domain.Audience) (int, error) {
	q := s.collection().
		Where("targetAudience", "==", string(audience)).
		Where("isRead", "==", false).
		Limit(maxWritesPerTransaction)

	total := 0
	for {
		n := 0
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			n = 0
			snaps, err := tx.Documents(q).GetAll()
			if err != nil {
				return err
			}
			now := s.clock.Now()
			for _, snap := range snaps {
				if err := tx.Update(snap.Ref, []firestore.Update{
					{Path: "isRead", Value: true},
					{Path: "readAt", Value: now},
				}); err != nil {
					return err
				}
			}
			n = len(snaps)
			return nil
		})
		if err != nil {
			if total > 0 {
				s.notify(audience)
			}
			return total, domain.Unavailable("一括既読処理", err)
		}
		total += n
		if n < maxWritesPerTransaction {
			break
		}
	}

	if total > 0 {
		s.notify(audience)
	}
	return total, nil
}

// recentQuery はオーディエンスのドキュメントを作成日時の降順で返すクエリ。
// targetAudience ASC, createdAt DESC の複合インデックスが必要。
func (s *FirestoreStore) recentQuery(audience domain.Audience) firestore.Query {
	return s.collection().
		Where("targetAudience", "==", string(audience)).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
}

// ListRecent はオーディエンスのドキュメントを作成日時の降順で最大limit件返す。
// 複合インデックスが存在しない場合は*domain.IndexMissingErrorを返す。
func (s *FirestoreStore) ListRecent(ctx context.Context, audience domain.Audience, limit int, cursor string) (domain.Page, error) {
	limit = domain.ClampLimit(limit)
	c, err := domain.DecodeCursor(cursor)
	if err != nil {
		return domain.Page{}, err
	}

	q := s.recentQuery(audience).Limit(limit + 1)
	if !c.IsZero() {
		q = q.StartAfter(c.CreatedAt, c.ID)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return domain.Page{}, classifyQueryError("通知一覧の取得", err)
	}

	records := make([]domain.Record, 0, len(snaps))
	for _, snap := range snaps {
		rec, err := decodeDoc(snap)
		if err != nil {
			return domain.Page{}, domain.Unavailable("通知一覧の取得", err)
		}
		records = append(records, rec)
	}
	return domain.NewPage(records, limit), nil
}

// CountUnread はオーディエンスの未読件数を集計クエリで返す。
func (s *FirestoreStore) CountUnread(ctx context.Context, audience domain.Audience) (int, error) {
	q := s.collection().
		Where("targetAudience", "==", string(audience)).
		Where("isRead", "==", false)
	res, err := q.NewAggregationQuery().WithCount("unread").Get(ctx)
	if err != nil {
		return 0, classifyQueryError("未読件数の取得", err)
	}

	v, ok := res["unread"].(*firestorepb.Value)
	if !ok {
		return 0, domain.Unavailable("未読件数の取得", fmt.Errorf("集計結果の型が不正です: %T", res["unread"]))
	}
	return int(v.GetIntegerValue()), nil
}

// Subscribe はオーディエンスの最新ドキュメントをスナップショットリスナーで監視する。
// 変化があるたびにシグナルを送り、監視が失敗した場合はErrを持つシグナルを送って終了する。
// 返される関数で監視を停止する。
func (s *FirestoreStore) Subscribe(ctx context.Context, audience domain.Audience) (<-chan domain.Change, func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan domain.Change, 1)
	q := s.recentQuery(audience).Limit(s.listenLimit)

	go func() {
		defer close(ch)
		it := q.Snapshots(ctx)
		defer it.Stop()

		for {
			_, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
					return
				}
				select {
				case ch <- domain.Change{Audience: audience, Err: classifyQueryError("通知の監視", err)}:
				case <-ctx.Done():
				}
				return
			}
			// 未処理のシグナルがあれば合流させる
			select {
			case ch <- domain.Change{Audience: audience}:
			default:
			}
		}
	}()

	return ch, cancel
}

// classifyQueryError はクエリのエラーを分類する。
// FailedPreconditionは複合インデックス不足を表す。
func classifyQueryError(op string, err error) error {
	if status.Code(err) == codes.FailedPrecondition {
		return domain.NotificationsIndexMissing(err)
	}
	return domain.Unavailable(op, err)
}

func (s *FirestoreStore) notify(audience domain.Audience) {
	if s.notifier != nil {
		s.notifier.Notify(audience)
	}
}
