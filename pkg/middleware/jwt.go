package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin は管理者のロール。通知のオーディエンスと一致する。
const RoleAdmin = "admin"

// DefaultTokenTTL は発行するトークンの既定の有効期間。
const DefaultTokenTTL = 12 * time.Hour

// contextKeyAdminID はGinコンテキストに管理者IDを保存するキー。
const contextKeyAdminID = "admin_id"

// queryKeyAccessToken はEventSourceのようにヘッダーを設定できないクライアント向けのクエリパラメータ。
const queryKeyAccessToken = "access_token"

// ErrEmptySecret は署名鍵が空であることを表す。空の鍵では誰でもトークンを偽造できる。
var ErrEmptySecret = errors.New("JWTの署名鍵が空です")

// AdminClaims は管理者トークンのクレーム。
type AdminClaims struct {
	jwt.RegisteredClaims
	// AdminID は管理者の一意識別子。デバイストークンの登録キーになる。
	AdminID string `json:"admin_id"`
	// Role は管理者のロール。RoleAdmin以外は拒否する。
	Role string `json:"role"`
}

// GenerateJWT は管理者のトークンを生成する。ttlが0以下の場合はDefaultTokenTTLを使う。
func GenerateJWT(secret, issuer, adminID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		AdminID: adminID,
		Role:    RoleAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンを検証してクレームを返す。issuerが空の場合は発行者を検証しない。
func ParseJWT(secret, issuer, tokenString string) (*AdminClaims, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	if claims.AdminID == "" {
		return nil, errors.New("admin_idクレームがありません")
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("管理者ロールではありません: %q", claims.Role)
	}
	return claims, nil
}

// JWTAuth は管理者トークンを検証するGinミドルウェアを返す。
// トークンはAuthorizationヘッダーのBearer形式、またはaccess_tokenクエリパラメータで受け取る。
// 検証に成功した場合、コンテキストに管理者IDを設定する。secretが空の場合はすべて拒否する。
func JWTAuth(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized"})
			return
		}

		claims, err := ParseJWT(secret, issuer, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です", "code": "unauthorized"})
			return
		}

		c.Set(contextKeyAdminID, claims.AdminID)
		c.Next()
	}
}

// bearerToken はリクエストからトークンを取り出す。取り出せない場合はエラーメッセージを返す。
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(queryKeyAccessToken); q != "" {
			return q, ""
		}
		return "", "Authorizationヘッダーが必要です"
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return "", "Bearer トークン形式が不正です"
	}
	return tokenString, ""
}

// GetAdminID はGinコンテキストから管理者IDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetAdminID(c *gin.Context) string {
	v, _ := c.Get(contextKeyAdminID)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}

// SetAdminID はGinコンテキストに管理者IDを設定する。JWTを使わないテスト用。
func SetAdminID(c *gin.Context, adminID string) {
	c.Set(contextKeyAdminID, adminID)
}
