package push

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
)

// MulticastSender はFCMのマルチキャスト送信。*messaging.Clientが満たす。
type MulticastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMTransport はFirebase Cloud Messagingで配信するTransport。
type FCMTransport struct {
	// client はFCMクライアント。
	client MulticastSender
	// linkBaseURL は相対パスのリンクを解決する管理画面のURL。WebpushのリンクはHTTPSである必要がある。
	linkBaseURL string
	// clock はAPNsの有効期限の計算に使う時刻源。
	clock clock.Clock
}

// NewFCMTransport は新しいFCMTransportを生成する。
func NewFCMTransport(client MulticastSender, linkBaseURL string, clk clock.Clock) *FCMTransport {
	return &FCMTransport{client: client, linkBaseURL: strings.TrimRight(linkBaseURL, "/"), clock: clk}
}

// Send はtokensへマルチキャストで送信し、トークンごとの結果を返す。
func (t *FCMTransport) Send(ctx context.Context, tokens []string, payload Payload, opts Options) ([]Result, error) {
	resp, err := t.client.SendEachForMulticast(ctx, t.buildMessage(tokens, payload, opts))
	if err != nil {
		return nil, fmt.Errorf("FCMへの送信に失敗: %w", err)
	}

	results := make([]Result, len(tokens))
	for i, token := range tokens {
		if i >= len(resp.Responses) || resp.Responses[i] == nil {
			results[i] = Result{Token: token, Outcome: OutcomeTransportError, Err: fmt.Errorf("FCMの応答がありません")}
			continue
		}
		r := resp.Responses[i]
		if r.Success {
			results[i] = Result{Token: token, Outcome: OutcomeDelivered, MessageID: r.MessageID}
			continue
		}
		results[i] = Result{Token: token, Outcome: classify(r.Error), Err: r.Error}
	}
	return results, nil
}

// classify はトークンごとのFCMエラーを配信結果に分類する。
func classify(err error) Outcome {
	if messaging.IsUnregistered(err) || errorutils.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
		return OutcomeTokenInvalid
	}
	return OutcomeTransportError
}

func (t *FCMTransport) buildMessage(tokens []string, p Payload, opts Options) *messaging.MulticastMessage {
	ttl := opts.ttl()
	high := opts.Priority == domain.PriorityHigh

	androidPriority, urgency, apnsPriority := "normal", "normal", "5"
	if high {
		androidPriority, urgency, apnsPriority = "high", "high", "10"
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   p.Data,
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority:    androidPriority,
			TTL:         &ttl,
			CollapseKey: p.Tag,
			Notification: &messaging.AndroidNotification{
				Icon:        p.Icon,
				Tag:         p.Tag,
				ClickAction: p.Link,
			},
		},
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{
				"Urgency": urgency,
				"TTL":     strconv.FormatInt(int64(ttl.Seconds()), 10),
			},
			Notification: &messaging.WebpushNotification{
				Title:              p.Title,
				Body:               p.Body,
				Icon:               p.Icon,
				Badge:              p.Badge,
				Tag:                p.Tag,
				RequireInteraction: p.RequireInteraction,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":   apnsPriority,
				"apns-expiration": strconv.FormatInt(t.clock.Now().Add(ttl).Unix(), 10),
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert:    &messaging.ApsAlert{Title: p.Title, Body: p.Body},
					ThreadID: p.Tag,
					Sound:    "default",
				},
			},
		},
	}
	if link := t.resolveLink(p.Link); link != "" {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: link}
	}
	return msg
}

// resolveLink はリンクを絶対URLにする。HTTPSにならない場合は空文字列を返す。
func (t *FCMTransport) resolveLink(link string) string {
	if link == "" {
		return ""
	}
	if !strings.HasPrefix(link, "https://") {
		if t.linkBaseURL == "" {
			return ""
		}
		link = t.linkBaseURL + "/" + strings.TrimLeft(link, "/")
	}
	u, err := url.ParseRequestURI(link)
	if err != nil || u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// DisabledTransport はFirebaseの認証情報が設定されていない場合のTransport。
// すべての呼び出しでdomain.ErrPermissionDeniedを返し、プッシュ配信を省略させる。
type DisabledTransport struct{}

// Send は常にdomain.ErrPermissionDeniedを返す。
func (DisabledTransport) Send(context.Context, []string, Payload, Options) ([]Result, error) {
	return nil, fmt.Errorf("%w: FCMが設定されていません", domain.ErrPermissionDenied)
}
