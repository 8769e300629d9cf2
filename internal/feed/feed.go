// Package feed はオーディエンス単位のリアルタイム通知フィードを提供する。
//
// 購読すると最新の通知一覧のスナップショットがすぐに1回届き、以後は変更シグナルを
// 受けるたびに一覧全体を再取得して届ける。エラーが起きた場合はonErrorを1回だけ呼び、
// 再試行せずに購読を終了する。
package feed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/metrics"
)

// DefaultLimit はスナップショットに含める最新レコードの既定件数。
const DefaultLimit = 50

// ErrSourceClosed は変更シグナルの供給元が購読中に終了したことを表す。
var ErrSourceClosed = errors.New("変更の監視が終了しました")

// Lister は通知一覧の取得を抽象化する。store.RecordStoreが満たす。
type Lister interface {
	ListRecent(ctx context.Context, audience domain.Audience, limit int, cursor string) (domain.Page, error)
}

// ChangeSource は変更シグナルの供給元。Hubとstore.FirestoreStoreが満たす。
type ChangeSource interface {
	Subscribe(ctx context.Context, audience domain.Audience) (<-chan domain.Change, func())
}

// Snapshot はある時点の通知一覧。
type Snapshot struct {
	// Records は作成日時の降順に並んだ最新のレコード。
	Records []domain.Record `json:"records"`
	// UnreadCount はRecordsのうち未読の件数。
	UnreadCount int `json:"unreadCount"`
}

// Config はフィードの設定。
type Config struct {
	// Limit はスナップショットに含める件数。0以下の場合はDefaultLimitを使う。
	Limit int
	// PollInterval は定期的な再取得の間隔。0の場合は変更シグナルのみで更新する。
	// 定期取得では前回と内容が変わった場合のみスナップショットを届ける。
	PollInterval time.Duration
}

// Feed はリアルタイムフィードの購読を生成する。
type Feed struct {
	// lister は通知一覧の取得元。
	lister Lister
	// source は変更シグナルの供給元。
	source ChangeSource
	// limit はスナップショットの件数。
	limit int
	// pollInterval は定期的な再取得の間隔。
	pollInterval time.Duration
	// logger は購読の開始と終了の出力先。
	logger *slog.Logger
}

// New は新しいFeedを生成する。
func New(lister Lister, source ChangeSource, cfg Config, logger *slog.Logger) *Feed {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		lister:       lister,
		source:       source,
		limit:        domain.ClampLimit(cfg.Limit),
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
}

// Subscription はフィードの購読。UnsubscribeまたはStopで停止する。
type Subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

// Subscribe はオーディエンスのフィードを購読する。
// onSnapshotとonErrorは購読ごとに1つのゴルーチンから順に呼ばれる。
// onErrorは最大1回呼ばれ、その後はどちらのコールバックも呼ばれない。
func (f *Feed) Subscribe(ctx context.Context, audience domain.Audience, onSnapshot func(Snapshot), onError func(error)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	metrics.FeedSubscriptionsActive.Inc()
	go f.run(ctx, s, audience, onSnapshot, onError)
	return s
}

// Unsubscribe は購読を停止し、実行中のコールバックを含めて購読のゴルーチンが
// 終了するまで待つ。戻った後はどちらのコールバックも呼ばれない。何度呼んでもよい。
// 待機するため、コールバックの中ではStopを使うこと。
func (s *Subscription) Unsubscribe() {
	s.Stop()
	<-s.done
}

// Stop は購読の停止を要求して待たずに戻る。何度呼んでもよい。
// コールバックの中から呼ぶと、そのコールバックが最後の呼び出しになる。
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// Done は購読のゴルーチンが終了すると閉じられるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) emit(fn func()) bool {
	if s.stopped.Load() {
		return false
	}
	fn()
	return !s.stopped.Load()
}

func (f *Feed) run(ctx context.Context, s *Subscription, audience domain.Audience, onSnapshot func(Snapshot), onError func(error)) {
	defer close(s.done)
	defer metrics.FeedSubscriptionsActive.Dec()
	defer s.cancel()

	fail := func(err error) {
		f.logger.Warn("フィードの購読を終了", "audience", audience, "error", err)
		s.emit(func() { onError(err) })
	}

	// 初回の一覧取得より前に購読し、その間の変更を取りこぼさない
	changes, stop := f.source.Subscribe(ctx, audience)
	defer stop()

	var last *Snapshot
	deliver := func(onlyIfChanged bool) bool {
		snap, err := f.snapshot(ctx, audience)
		if err != nil {
			if ctx.Err() == nil {
				fail(err)
			}
			return false
		}
		if onlyIfChanged && last != nil && sameSnapshot(*last, snap) {
			return true
		}
		last = &snap
		return s.emit(func() { onSnapshot(snap) })
	}

	if !deliver(false) {
		return
	}

	var tick <-chan time.Time
	if f.pollInterval > 0 {
		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					fail(ErrSourceClosed)
				}
				return
			}
			if c.Err != nil {
				fail(c.Err)
				return
			}
			if !deliver(false) {
				return
			}
		case <-tick:
			if !deliver(true) {
				return
			}
		}
	}
}

func (f *Feed) snapshot(ctx context.Context, audience domain.Audience) (Snapshot, error) {
	page, err := f.lister.ListRecent(ctx, audience, f.limit, "")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Records: page.Records, UnreadCount: domain.CountUnread(page.Records)}, nil
}

// sameSnapshot は2つのスナップショットが表示上同じかを返す。
func sameSnapshot(a, b Snapshot) bool {
	if a.UnreadCount != b.UnreadCount {
		return false
	}
	return slices.EqualFunc(a.Records, b.Records, func(x, y domain.Record) bool {
		return x.ID == y.ID &&
			x.IsRead == y.IsRead &&
			x.Status == y.Status &&
			x.Title == y.Title &&
			x.Message == y.Message &&
			x.Total == y.Total &&
			x.CreatedAt.Equal(y.CreatedAt)
	})
}
