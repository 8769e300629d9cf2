package notification

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/feed"
)

// SSEのイベント名。
const (
	sseEventSnapshot = "snapshot"
	sseEventError    = "error"
	sseEventPing     = "ping"
)

// snapshotEvent はsnapshotイベントのデータ。
type snapshotEvent struct {
	// Notifications は作成日時の降順に並んだ最新の通知。
	Notifications []domain.Record `json:"notifications"`
	// UnreadCount はNotificationsのうち未読の件数。
	UnreadCount int `json:"unreadCount"`
}

// handleStream は通知フィードをSSEで配信するハンドラ。
// 接続直後に最新のスナップショットを送り、変更があるたびに送り直す。
// フィードがエラーで終了した場合はerrorイベントを1回送ってストリームを閉じる。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		// 購読のゴルーチンはブロックさせず、未送信のスナップショットは最新のもので置き換える
		snaps := make(chan feed.Snapshot, 1)
		errs := make(chan error, 1)
		sub := s.feed.Subscribe(ctx, domain.AudienceAdmin,
			func(snap feed.Snapshot) {
				select {
				case <-snaps:
				default:
				}
				snaps <- snap
			},
			func(err error) { errs <- err },
		)
		defer sub.Unsubscribe()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		keepAlive := time.NewTicker(s.cfg.KeepAlive)
		defer keepAlive.Stop()

		c.Stream(func(_ io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case snap := <-snaps:
				c.SSEvent(sseEventSnapshot, snapshotEvent{Notifications: snap.Records, UnreadCount: snap.UnreadCount})
				return true
			case err := <-errs:
				_, body := classify(err)
				c.SSEvent(sseEventError, body)
				return false
			case <-sub.Done():
				// 購読がエラーなしで終了した場合でも、届いているエラーを優先して送る
				select {
				case err := <-errs:
					_, body := classify(err)
					c.SSEvent(sseEventError, body)
				default:
				}
				return false
			case t := <-keepAlive.C:
				c.SSEvent(sseEventPing, t.UTC().Format(time.RFC3339))
				return true
			}
		})
	}
}
