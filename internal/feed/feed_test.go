package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/sqlitedb"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/event"
)

const waitTimeout = 2 * time.Second

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// collector はコールバックで受け取った値をチャネルに流すテスト用のヘルパー。
type collector struct {
	snapshots chan Snapshot
	errs      chan error
	errCount  atomic.Int32
}

func newCollector() *collector {
	return &collector{snapshots: make(chan Snapshot, 16), errs: make(chan error, 4)}
}

func (c *collector) onSnapshot(s Snapshot) { c.snapshots <- s }

func (c *collector) onError(err error) {
	c.errCount.Add(1)
	c.errs <- err
}

func (c *collector) nextSnapshot(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-c.snapshots:
		return s
	case err := <-c.errs:
		t.Fatalf("スナップショットの代わりにエラーを受け取った: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("スナップショットが届かない")
	}
	return Snapshot{}
}

func (c *collector) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case s := <-c.snapshots:
		t.Fatalf("エラーの代わりにスナップショットを受け取った: %+v", s)
	case <-time.After(waitTimeout):
		t.Fatal("エラーが届かない")
	}
	return nil
}

func (c *collector) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-c.snapshots:
		t.Fatalf("スナップショットが届くべきでない: %+v", s)
	case err := <-c.errs:
		t.Fatalf("エラーが届くべきでない: %v", err)
	case <-time.After(d):
	}
}

// setupFeed はインメモリSQLiteのストアとHubでフィードを構築する。
func setupFeed(t *testing.T, maxVersion int, cfg Config) (*Feed, *store.SQLiteStore) {
	t.Helper()

	db, err := sqlitedb.OpenMemory(context.Background(), maxVersion)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hub := NewHub()
	s := store.NewSQLiteStore(db, clock.NewFixed(baseTime.Add(time.Hour)), hub)
	return New(s, hub, cfg, nil), s
}

func writeOrder(t *testing.T, s *store.SQLiteStore, id string, at time.Time) {
	t.Helper()

	rec, err := domain.NewOrderRecord(event.Order{ID: id, OrderNumber: "n-" + id, CustomerName: "Asha", Total: 450}, at)
	if err != nil {
		t.Fatalf("レコードの組み立てに失敗: %v", err)
	}
	if _, err := s.CreateOrMerge(context.Background(), rec); err != nil {
		t.Fatalf("書き込みに失敗: %v", err)
	}
}

func TestFeed_Subscribe(t *testing.T) {
	t.Parallel()

	t.Run("購読直後に初回スナップショットが届く", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, 0, Config{})
		writeOrder(t, s, "O1", baseTime)

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)

		snap := c.nextSnapshot(t)
		if len(snap.Records) != 1 || snap.Records[0].ID != "O1" {
			t.Errorf("O1を含むべき: %+v", snap.Records)
		}
		if snap.UnreadCount != 1 {
			t.Errorf("未読件数は1であるべき: got %d", snap.UnreadCount)
		}
	})

	t.Run("書き込みのたびに新しいスナップショットが届き未読件数が一致する", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, 0, Config{})

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)

		if snap := c.nextSnapshot(t); len(snap.Records) != 0 || snap.Records == nil {
			t.Fatalf("初回は空のスライスであるべき: %+v", snap)
		}

		writeOrder(t, s, "O1", baseTime)
		snap := c.nextSnapshot(t)
		if len(snap.Records) != 1 || snap.UnreadCount != 1 {
			t.Fatalf("1件未読であるべき: %+v", snap)
		}

		if _, err := s.MarkAllRead(context.Background(), domain.AudienceAdmin); err != nil {
			t.Fatalf("一括既読に失敗: %v", err)
		}
		snap = c.nextSnapshot(t)
		if snap.UnreadCount != domain.CountUnread(snap.Records) || snap.UnreadCount != 0 {
			t.Errorf("未読件数は0でレコードと一致すべき: %+v", snap)
		}
	})

	t.Run("複合インデックスがない場合はonErrorが1回だけ呼ばれる", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, sqlitedb.AudienceIndexVersion-1, Config{PollInterval: 10 * time.Millisecond})

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)

		err := c.nextError(t)
		if !errors.Is(err, domain.ErrIndexMissing) {
			t.Errorf("ErrIndexMissingであるべき: got %v", err)
		}

		writeOrder(t, s, "O1", baseTime)
		c.expectNothing(t, 50*time.Millisecond)
		if n := c.errCount.Load(); n != 1 {
			t.Errorf("onErrorは1回であるべき: got %d", n)
		}
		select {
		case <-sub.Done():
		case <-time.After(waitTimeout):
			t.Error("エラー後に購読は終了すべき")
		}
	})

	t.Run("購読解除後はコールバックが呼ばれない", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, 0, Config{})

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		c.nextSnapshot(t)

		sub.Unsubscribe()
		sub.Unsubscribe()

		writeOrder(t, s, "O1", baseTime)
		c.expectNothing(t, 50*time.Millisecond)
	})

	t.Run("コールバック内からStopで購読を止められる", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, 0, Config{})
		writeOrder(t, s, "O1", baseTime)

		var (
			mu    sync.Mutex
			sub   *Subscription
			calls int
		)
		ready := make(chan struct{})
		got := make(chan struct{}, 1)
		onSnapshot := func(Snapshot) {
			<-ready
			mu.Lock()
			calls++
			current := sub
			mu.Unlock()
			current.Stop()
			got <- struct{}{}
		}

		mu.Lock()
		sub = f.Subscribe(context.Background(), domain.AudienceAdmin, onSnapshot, func(error) {})
		mu.Unlock()
		close(ready)

		select {
		case <-got:
		case <-time.After(waitTimeout):
			t.Fatal("コールバック内のStopが戻らない")
		}
		select {
		case <-sub.Done():
		case <-time.After(waitTimeout):
			t.Fatal("購読が終了しない")
		}

		writeOrder(t, s, "O2", baseTime.Add(time.Minute))
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Errorf("コールバックは1回であるべき: got %d", calls)
		}
	})

	t.Run("別のゴルーチンからの購読解除は実行中のコールバックの終了を待つ", func(t *testing.T) {
		t.Parallel()
		f, s := setupFeed(t, 0, Config{})
		writeOrder(t, s, "O1", baseTime)

		var running atomic.Bool
		entered := make(chan struct{})
		onSnapshot := func(Snapshot) {
			running.Store(true)
			close(entered)
			time.Sleep(200 * time.Millisecond)
			running.Store(false)
		}
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, onSnapshot, func(error) {})

		select {
		case <-entered:
		case <-time.After(waitTimeout):
			t.Fatal("コールバックが呼ばれない")
		}
		sub.Unsubscribe()

		if running.Load() {
			t.Error("購読解除から戻った時点でコールバックは終了しているべき")
		}
		select {
		case <-sub.Done():
		default:
			t.Error("購読解除から戻った時点で購読は終了しているべき")
		}
	})

	t.Run("親のコンテキストが終了すると購読も終了する", func(t *testing.T) {
		t.Parallel()
		f, _ := setupFeed(t, 0, Config{})

		ctx, cancel := context.WithCancel(context.Background())
		c := newCollector()
		sub := f.Subscribe(ctx, domain.AudienceAdmin, c.onSnapshot, c.onError)
		c.nextSnapshot(t)

		cancel()
		select {
		case <-sub.Done():
		case <-time.After(waitTimeout):
			t.Fatal("購読が終了しない")
		}
		if n := c.errCount.Load(); n != 0 {
			t.Errorf("キャンセルはエラーとして通知しないべき: got %d", n)
		}
	})
}

// fakeSource は任意のシグナルを送れるテスト用のChangeSource。
type fakeSource struct {
	ch chan domain.Change
}

func (f *fakeSource) Subscribe(context.Context, domain.Audience) (<-chan domain.Change, func()) {
	return f.ch, func() {}
}

// fakeLister は呼び出しごとに返すページを切り替えられるテスト用のLister。
type fakeLister struct {
	mu    sync.Mutex
	pages []domain.Page
	calls int
}

func (f *fakeLister) ListRecent(context.Context, domain.Audience, int, string) (domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.pages)-1)
	f.calls++
	return f.pages[i], nil
}

func TestFeed_ChangeSource(t *testing.T) {
	t.Parallel()

	t.Run("供給元のエラーはonErrorに渡される", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{ch: make(chan domain.Change, 1)}
		f := New(&fakeLister{pages: []domain.Page{{Records: []domain.Record{}}}}, src, Config{}, nil)

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)
		c.nextSnapshot(t)

		cause := domain.NotificationsIndexMissing(errors.New("FailedPrecondition"))
		src.ch <- domain.Change{Audience: domain.AudienceAdmin, Err: cause}

		err := c.nextError(t)
		var missing *domain.IndexMissingError
		if !errors.As(err, &missing) {
			t.Errorf("IndexMissingErrorであるべき: got %v", err)
		}
	})

	t.Run("供給元が閉じるとErrSourceClosedを通知する", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{ch: make(chan domain.Change)}
		f := New(&fakeLister{pages: []domain.Page{{Records: []domain.Record{}}}}, src, Config{}, nil)

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)
		c.nextSnapshot(t)

		close(src.ch)
		if err := c.nextError(t); !errors.Is(err, ErrSourceClosed) {
			t.Errorf("ErrSourceClosedであるべき: got %v", err)
		}
	})

	t.Run("定期取得は内容が変わった場合のみ届ける", func(t *testing.T) {
		t.Parallel()
		unread := domain.Record{ID: "O1", CreatedAt: baseTime}
		read := unread
		read.IsRead = true
		lister := &fakeLister{pages: []domain.Page{
			{Records: []domain.Record{unread}},
			{Records: []domain.Record{unread}},
			{Records: []domain.Record{read}},
		}}
		src := &fakeSource{ch: make(chan domain.Change)}
		f := New(lister, src, Config{PollInterval: 10 * time.Millisecond}, nil)

		c := newCollector()
		sub := f.Subscribe(context.Background(), domain.AudienceAdmin, c.onSnapshot, c.onError)
		t.Cleanup(sub.Unsubscribe)

		if snap := c.nextSnapshot(t); snap.UnreadCount != 1 {
			t.Fatalf("初回は未読1件であるべき: %+v", snap)
		}
		if snap := c.nextSnapshot(t); snap.UnreadCount != 0 {
			t.Errorf("変化後は未読0件であるべき: %+v", snap)
		}
		c.expectNothing(t, 50*time.Millisecond)
	})
}
