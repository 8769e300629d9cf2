package notification

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/ordernotify/internal/domain"
)

// エラーレスポンスのcode。クライアントはメッセージではなくこの値で分岐する。
const (
	codeValidation         = "validation"
	codeNotFound           = "not_found"
	codePermissionDenied   = "permission_denied"
	codeIndexMissing       = "index_missing"
	codeStorageUnavailable = "storage_unavailable"
	codeUnauthorized       = "unauthorized"
	codeInternal           = "internal"
)

// errorResponse はエラーレスポンスのJSON構造。
type errorResponse struct {
	// Error は人が読むためのメッセージ。
	Error string `json:"error"`
	// Code は機械可読なエラー識別子。
	Code string `json:"code"`
	// Collection はインデックス不足のときの対象コレクション。
	Collection string `json:"collection,omitempty"`
	// Fields はインデックス不足のときに必要なフィールド。
	Fields []string `json:"fields,omitempty"`
}

// classify はエラーをHTTPステータスとレスポンスに変換する。
func classify(err error) (int, errorResponse) {
	var idx *domain.IndexMissingError
	switch {
	case errors.As(err, &idx):
		return http.StatusServiceUnavailable, errorResponse{
			Error:      "必要なインデックスが存在しません",
			Code:       codeIndexMissing,
			Collection: idx.Collection,
			Fields:     idx.Fields,
		}
	case errors.Is(err, domain.ErrIndexMissing):
		return http.StatusServiceUnavailable, errorResponse{Error: "必要なインデックスが存在しません", Code: codeIndexMissing}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: codeValidation}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "通知が見つかりません", Code: codeNotFound}
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, errorResponse{Error: "プッシュ通知が許可されていません", Code: codePermissionDenied}
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Error: "ストレージを利用できません", Code: codeStorageUnavailable}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "内部サーバーエラーが発生しました", Code: codeInternal}
	}
}

// abortWithError はエラーを分類してレスポンスを返す。5xxはログに残す。
func (s *Server) abortWithError(c *gin.Context, op string, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+"に失敗", "path", c.FullPath(), "code", body.Code, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
