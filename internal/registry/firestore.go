package registry

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nao1215/ordernotify/internal/clock"
	"github.com/nao1215/ordernotify/internal/domain"
)

// AdminsCollection は管理者ドキュメントのコレクション名。
const AdminsCollection = "admins"

const (
	fieldToken          = "fcmToken"
	fieldTokenUpdatedAt = "fcmTokenUpdatedAt"
)

// FirestoreRegistry はadminsコレクションをバックエンドとするレジストリ。
// 管理者ドキュメントの他のフィールドはマージ書き込みで保持する。
type FirestoreRegistry struct {
	// client はFirestoreクライアント。
	client *firestore.Client
	// clock は更新日時の取得に使う時刻源。
	clock clock.Clock
}

// NewFirestoreRegistry は新しいFirestoreRegistryを生成する。
func NewFirestoreRegistry(client *firestore.Client, clk clock.Clock) *FirestoreRegistry {
	return &FirestoreRegistry{client: client, clock: clk}
}

// RegisterToken は管理者ドキュメントにトークンと更新日時をマージ書き込みする。
func (r *FirestoreRegistry) RegisterToken(ctx context.Context, adminID, token string) error {
	token, err := normalizeRegistration(adminID, token)
	if err != nil {
		return err
	}

	_, err = r.client.Collection(AdminsCollection).Doc(adminID).Set(ctx, map[string]interface{}{
		fieldToken:          token,
		fieldTokenUpdatedAt: r.clock.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return domain.Unavailable("トークンの登録", err)
	}
	return nil
}

// RevokeToken は管理者ドキュメントからトークンのフィールドを削除する。
func (r *FirestoreRegistry) RevokeToken(ctx context.Context, adminID string) error {
	if adminID == "" {
		return fmt.Errorf("%w: 管理者IDが空です", domain.ErrValidation)
	}

	_, err := r.client.Collection(AdminsCollection).Doc(adminID).Update(ctx, []firestore.Update{
		{Path: fieldToken, Value: firestore.Delete},
		{Path: fieldTokenUpdatedAt, Value: firestore.Delete},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return domain.Unavailable("トークンの削除", err)
	}
	return nil
}

// ListTokensForAudience はadminsコレクションの全ドキュメントから空でないトークンを集める。
func (r *FirestoreRegistry) ListTokensForAudience(ctx context.Context, audience domain.Audience) ([]string, error) {
	if !audience.Valid() {
		return []string{}, nil
	}

	it := r.client.Collection(AdminsCollection).Documents(ctx)
	defer it.Stop()

	var tokens []string
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, domain.Unavailable("トークン一覧の取得", err)
		}
		v, err := snap.DataAt(fieldToken)
		if err != nil {
			// トークン未登録の管理者
			continue
		}
		if token, ok := v.(string); ok {
			tokens = append(tokens, token)
		}
	}
	return uniqueTokens(tokens), nil
}
