// Package registry は管理者デバイスのプッシュ配信トークンを管理する。
//
// 管理者ごとに有効なトークンは最大1件で、新しい登録は以前のトークンを置き換える。
// 配信時にはオーディエンス単位でトークンを解決する。キャッシュは持たない。
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/nao1215/ordernotify/internal/domain"
)

// Registry はデバイストークンの登録と解決を抽象化する。
type Registry interface {
	// RegisterToken は管理者のトークンを登録する。既存のトークンは置き換える。
	RegisterToken(ctx context.Context, adminID, token string) error
	// RevokeToken は管理者のトークンを削除する。未登録の管理者に対しては何もしない。
	RevokeToken(ctx context.Context, adminID string) error
	// ListTokensForAudience はオーディエンスに属する管理者のトークンを重複なしで返す。
	ListTokensForAudience(ctx context.Context, audience domain.Audience) ([]string, error)
}

var (
	_ Registry = (*SQLiteRegistry)(nil)
	_ Registry = (*FirestoreRegistry)(nil)
)

// normalizeRegistration は登録要求を検証し、前後の空白を除いたトークンを返す。
// トークンが空の場合はブラウザが通知を許可しなかったものとしてErrPermissionDeniedを返す。
func normalizeRegistration(adminID, token string) (string, error) {
	if strings.TrimSpace(adminID) == "" {
		return "", fmt.Errorf("%w: 管理者IDが空です", domain.ErrValidation)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: トークンが空です (admin=%s)", domain.ErrPermissionDenied, adminID)
	}
	return token, nil
}

// uniqueTokens は空のトークンを除き、出現順を保って重複を取り除く。
func uniqueTokens(tokens []string) []string {
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
