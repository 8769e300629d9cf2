// Package push はデバイストークン群へのプッシュ通知の配信を提供する。
//
// 配信はベストエフォートで、一部のトークンへの失敗は呼び出し全体の失敗にならない。
// トークンの再試行や無効トークンの削除は行わず、結果をログに残すだけにする。
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/metrics"
)

// MaxBatchSize はトランスポート1回の呼び出しで送るトークンの上限。FCMのマルチキャスト上限に合わせる。
const MaxBatchSize = 500

// DefaultTTL はプッシュ通知の既定の有効期間。
const DefaultTTL = 24 * time.Hour

// Outcome はトークンごとの配信結果。
type Outcome string

const (
	// OutcomeDelivered は配信基盤が受け付けたことを表す。
	OutcomeDelivered Outcome = "delivered"
	// OutcomeTokenInvalid はトークンが無効または登録解除済みであることを表す。
	OutcomeTokenInvalid Outcome = "token_invalid"
	// OutcomeTransportError は配信基盤との通信に失敗したことを表す。
	OutcomeTransportError Outcome = "transport_error"
)

// Payload はOSの通知シェルに表示される内容。
type Payload struct {
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
	// Icon は通知アイコンのURL。
	Icon string
	// Badge はバッジ画像のURL。
	Badge string
	// Tag は通知の集約キー。注文IDを使い、同じ注文の通知をOS側でまとめる。
	Tag string
	// RequireInteraction はユーザーが操作するまで通知を表示し続けるかを表す。
	RequireInteraction bool
	// Link は通知をクリックしたときに開くパス。
	Link string
	// Data はクライアントに渡すキーと値。
	Data map[string]string
}

// Options は配信の優先度と有効期間。
type Options struct {
	// Priority は配信優先度。
	Priority domain.Priority
	// TTL は配信基盤が通知を保持する期間。0の場合はDefaultTTLを使う。
	TTL time.Duration
}

func (o Options) ttl() time.Duration {
	if o.TTL <= 0 {
		return DefaultTTL
	}
	return o.TTL
}

// Result はトークン1件の配信結果。
type Result struct {
	// Token は配信先のトークン。
	Token string
	// Outcome は配信結果。
	Outcome Outcome
	// MessageID は配信基盤が払い出したメッセージID。成功時のみ設定される。
	MessageID string
	// Err は失敗時のエラー。
	Err error
}

// Report は配信全体の集計。
type Report struct {
	// Delivered は配信に成功したトークン数。
	Delivered int
	// Failed は配信に失敗したトークン数。
	Failed int
	// Results はトークンごとの結果。
	Results []Result
}

// Transport はプッシュ配信基盤への送信を抽象化する。
// Sendはtokensと同じ順序・同じ件数のResultを返す。呼び出し全体が失敗した場合はエラーを返す。
type Transport interface {
	Send(ctx context.Context, tokens []string, payload Payload, opts Options) ([]Result, error)
}

// Dispatcher はトークン群をバッチに分けてTransportで配信する。
type Dispatcher struct {
	// transport はプッシュ配信基盤。
	transport Transport
	// batchSize はバッチあたりのトークン数。
	batchSize int
	// logger は配信結果の出力先。
	logger *slog.Logger
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{transport: transport, batchSize: MaxBatchSize, logger: logger}
}

// Dispatch はtokensへpayloadを配信する。
//
// 一部のトークンへの失敗は成功として扱い、集計をReportで返す。
// トランスポートの呼び出し自体が失敗したバッチはすべてtransport_errorとし、
// 残りのバッチを送り終えてからdomain.ErrTransportFailureをラップしたエラーを返す。
// tokensが空の場合はトランスポートを呼ばずにdomain.ErrTokenUnavailableを返す。
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, payload Payload, opts Options) (Report, error) {
	tokens = dedupe(tokens)
	if len(tokens) == 0 {
		return Report{}, domain.ErrTokenUnavailable
	}

	report := Report{Results: make([]Result, 0, len(tokens))}
	var transportErr error
	for start := 0; start < len(tokens); start += d.batchSize {
		end := min(start+d.batchSize, len(tokens))
		batch := tokens[start:end]

		results, err := d.transport.Send(ctx, batch, payload, opts)
		if errors.Is(err, domain.ErrPermissionDenied) {
			return report, err
		}
		if err != nil {
			d.logger.Warn("プッシュ配信のバッチ送信に失敗", "tokens", len(batch), "error", err)
			if transportErr == nil {
				transportErr = err
			}
			results = failedBatch(batch, err)
		}
		if len(results) != len(batch) {
			results = reconcile(batch, results)
		}

		for _, r := range results {
			metrics.PushResultsTotal.WithLabelValues(string(r.Outcome)).Inc()
			if r.Outcome == OutcomeDelivered {
				report.Delivered++
			} else {
				report.Failed++
				d.logger.Info("トークンへの配信に失敗", "token", r.Token, "outcome", r.Outcome, "error", r.Err)
			}
			report.Results = append(report.Results, r)
		}
	}

	if transportErr != nil {
		return report, fmt.Errorf("%w: %w", domain.ErrTransportFailure, transportErr)
	}
	return report, nil
}

// dedupe は空のトークンと重複を除く。
func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func failedBatch(batch []string, err error) []Result {
	results := make([]Result, len(batch))
	for i, t := range batch {
		results[i] = Result{Token: t, Outcome: OutcomeTransportError, Err: err}
	}
	return results
}

// reconcile はトランスポートが返した結果の件数がバッチと合わない場合に、
// 結果のないトークンをtransport_errorとして補う。
func reconcile(batch []string, results []Result) []Result {
	byToken := make(map[string]Result, len(results))
	for _, r := range results {
		byToken[r.Token] = r
	}
	out := make([]Result, len(batch))
	for i, t := range batch {
		if r, ok := byToken[t]; ok {
			out[i] = r
			continue
		}
		out[i] = Result{Token: t, Outcome: OutcomeTransportError, Err: errors.New("配信結果がありません")}
	}
	return out
}
