package feed

import (
	"context"
	"sync"

	"github.com/nao1215/ordernotify/internal/domain"
)

// Hub はプロセス内の変更シグナルをオーディエンスごとの購読者に配る。
// シグナルは「再取得せよ」という意味しか持たないため、受け取り待ちの購読者には重ねて送らない。
type Hub struct {
	mu   sync.Mutex
	subs map[domain.Audience]map[chan domain.Change]struct{}
}

// NewHub は新しいHubを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[domain.Audience]map[chan domain.Change]struct{})}
}

// Notify はオーディエンスの購読者全員に変更シグナルを送る。ブロックしない。
func (h *Hub) Notify(audience domain.Audience) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[audience] {
		select {
		case ch <- domain.Change{Audience: audience}:
		default:
			// 未処理のシグナルが残っている購読者はそのシグナルで再取得する
		}
	}
}

// Subscribe はオーディエンスの変更シグナルを受け取るチャネルと購読解除の関数を返す。
// ctxが終了した場合も購読は解除され、チャネルは閉じられる。
func (h *Hub) Subscribe(ctx context.Context, audience domain.Audience) (<-chan domain.Change, func()) {
	ch := make(chan domain.Change, 1)

	h.mu.Lock()
	set, ok := h.subs[audience]
	if !ok {
		set = make(map[chan domain.Change]struct{})
		h.subs[audience] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(set, ch)
			if len(h.subs[audience]) == 0 {
				delete(h.subs, audience)
			}
			close(ch)
		})
	}
	stop := context.AfterFunc(ctx, remove)

	return ch, func() {
		stop()
		remove()
	}
}

// subscribers はオーディエンスの購読者数を返す。
func (h *Hub) subscribers(audience domain.Audience) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[audience])
}
