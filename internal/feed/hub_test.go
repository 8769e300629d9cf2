package feed

import (
	"context"
	"testing"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
)

func TestHub(t *testing.T) {
	t.Parallel()

	t.Run("同じオーディエンスの購読者にシグナルが届く", func(t *testing.T) {
		t.Parallel()
		h := NewHub()
		ch, unsubscribe := h.Subscribe(context.Background(), domain.AudienceAdmin)
		defer unsubscribe()
		other, unsubscribeOther := h.Subscribe(context.Background(), domain.Audience("other"))
		defer unsubscribeOther()

		h.Notify(domain.AudienceAdmin)

		select {
		case c := <-ch:
			if c.Audience != domain.AudienceAdmin {
				t.Errorf("オーディエンスが一致しない: got %q", c.Audience)
			}
		case <-time.After(waitTimeout):
			t.Fatal("シグナルが届かない")
		}
		select {
		case c := <-other:
			t.Errorf("別のオーディエンスには届くべきでない: %+v", c)
		default:
		}
	})

	t.Run("受け取り待ちのシグナルがある場合は重ねて送らない", func(t *testing.T) {
		t.Parallel()
		h := NewHub()
		ch, unsubscribe := h.Subscribe(context.Background(), domain.AudienceAdmin)
		defer unsubscribe()

		for i := 0; i < 5; i++ {
			h.Notify(domain.AudienceAdmin)
		}

		<-ch
		select {
		case <-ch:
			t.Error("シグナルは1つに合流すべき")
		default:
		}
	})

	t.Run("購読解除でチャネルが閉じる", func(t *testing.T) {
		t.Parallel()
		h := NewHub()
		ch, unsubscribe := h.Subscribe(context.Background(), domain.AudienceAdmin)

		unsubscribe()
		unsubscribe()
		h.Notify(domain.AudienceAdmin)

		if _, ok := <-ch; ok {
			t.Error("チャネルは閉じているべき")
		}
		if n := h.subscribers(domain.AudienceAdmin); n != 0 {
			t.Errorf("購読者は0であるべき: got %d", n)
		}
	})

	t.Run("コンテキストの終了で購読が解除される", func(t *testing.T) {
		t.Parallel()
		h := NewHub()
		ctx, cancel := context.WithCancel(context.Background())
		ch, unsubscribe := h.Subscribe(ctx, domain.AudienceAdmin)
		defer unsubscribe()

		cancel()
		select {
		case _, ok := <-ch:
			if ok {
				t.Error("チャネルは閉じているべき")
			}
		case <-time.After(waitTimeout):
			t.Fatal("チャネルが閉じない")
		}
	})
}

func TestRedisBridge_handle(t *testing.T) {
	t.Parallel()

	h := NewHub()
	b := NewRedisBridge(nil, "", h, nil)
	ch, unsubscribe := h.Subscribe(context.Background(), domain.AudienceAdmin)
	defer unsubscribe()

	b.handle("not json")
	b.handle(`{"audience":""}`)
	select {
	case c := <-ch:
		t.Fatalf("不正なペイロードは無視すべき: %+v", c)
	default:
	}

	b.handle(`{"audience":"admin","sent_at":"2026-03-01T00:00:00Z"}`)
	select {
	case c := <-ch:
		if c.Audience != domain.AudienceAdmin {
			t.Errorf("オーディエンスが一致しない: got %q", c.Audience)
		}
	case <-time.After(waitTimeout):
		t.Fatal("シグナルが届かない")
	}
}
