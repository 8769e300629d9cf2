package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/ordernotify/internal/domain"
	"github.com/nao1215/ordernotify/internal/feed"
	"github.com/nao1215/ordernotify/internal/registry"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/middleware"
)

// DefaultShutdownTimeout はグレースフルシャットダウンの既定の待ち時間。
const DefaultShutdownTimeout = 10 * time.Second

// DefaultKeepAlive はSSEストリームの既定のキープアライブ間隔。
const DefaultKeepAlive = 25 * time.Second

// EventHandler は内部APIで受け取った注文イベントを処理する。*fanout.Triggerが満たす。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *event.Event) error
}

// Deps はサーバーが依存するコンポーネント。
type Deps struct {
	// Records は通知レコードストア。
	Records store.RecordStore
	// Registry はデバイストークンのレジストリ。
	Registry registry.Registry
	// Feed はリアルタイムフィード。
	Feed *feed.Feed
	// Events は注文イベントの処理先。nilの場合は内部APIを公開しない。
	Events EventHandler
	// Logger はログの出力先。
	Logger *slog.Logger
}

// Config はサーバーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret は管理者トークンの署名鍵。
	JWTSecret string
	// Issuer は管理者トークンの発行者。
	Issuer string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
	// KeepAlive はSSEストリームのキープアライブ間隔。
	KeepAlive time.Duration
}

// Server は通知APIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// records は通知レコードストア。
	records store.RecordStore
	// registry はデバイストークンのレジストリ。
	registry registry.Registry
	// feed はSSEストリームの購読元。
	feed *feed.Feed
	// events は内部APIで受け取った注文イベントの処理先。
	events EventHandler
	// logger はエラーとライフサイクルの出力先。
	logger *slog.Logger
	// cfg はサーバーの設定。
	cfg Config
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	router := gin.New()
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		records:  deps.Records,
		registry: deps.Registry,
		feed:     deps.Feed,
		events:   deps.Events,
		logger:   deps.Logger.With("component", "notification"),
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
// 処理中のSSEストリームはctxの終了で閉じられる。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知サービスを起動します", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("通知サービスの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("通知サービスの停止に失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("通知サービスを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret, s.cfg.Issuer))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// リアルタイムフィード
			notifications.GET("/stream", s.handleStream())
			// 未読件数
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		devices := api.Group("/devices")
		{
			devices.PUT("/token", s.handleRegisterToken())
			devices.DELETE("/token", s.handleRevokeToken())
		}

		// 注文イベントの受け口（内部API）
		if s.events != nil {
			api.POST("/internal/orders/events", s.handleOrderEvent())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// listResponse は通知一覧のJSONレスポンス構造。
type listResponse struct {
	// Notifications は作成日時の降順に並んだ通知。
	Notifications []domain.Record `json:"notifications"`
	// NextCursor は次のページのカーソル。最後のページでは省略する。
	NextCursor string `json:"nextCursor,omitempty"`
}

// handleList は通知一覧をページ単位で返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "limitは0以上の整数で指定してください", Code: codeValidation})
				return
			}
			limit = n
		}

		page, err := s.records.ListRecent(c.Request.Context(), domain.AudienceAdmin, limit, c.Query("cursor"))
		if err != nil {
			s.abortWithError(c, "通知一覧の取得", err)
			return
		}

		c.JSON(http.StatusOK, listResponse{Notifications: page.Records, NextCursor: page.NextCursor})
	}
}

// handleUnreadCount は未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.records.CountUnread(c.Request.Context(), domain.AudienceAdmin)
		if err != nil {
			s.abortWithError(c, "未読件数の取得", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unreadCount": n})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.records.MarkRead(c.Request.Context(), id); err != nil {
			s.abortWithError(c, "通知の既読処理", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました", "id": id})
	}
}

// handleMarkAllAsRead は全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.records.MarkAllRead(c.Request.Context(), domain.AudienceAdmin)
		if err != nil {
			s.abortWithError(c, "全通知の既読処理", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": n})
	}
}

// registerTokenRequest はデバイストークン登録リクエストのJSON構造。
type registerTokenRequest struct {
	// Token はブラウザが発行したFCM登録トークン。通知が許可されなかった場合は空になる。
	Token string `json:"token"`
}

// handleRegisterToken は認証済み管理者のデバイストークンを登録するハンドラ。
// 既存のトークンは置き換える。
func (s *Server) handleRegisterToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("リクエストが不正です: %v", err), Code: codeValidation})
			return
		}

		adminID := middleware.GetAdminID(c)
		if err := s.registry.RegisterToken(c.Request.Context(), adminID, req.Token); err != nil {
			s.abortWithError(c, "デバイストークンの登録", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "デバイストークンを登録しました"})
	}
}

// handleRevokeToken は認証済み管理者のデバイストークンを削除するハンドラ。
func (s *Server) handleRevokeToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.registry.RevokeToken(c.Request.Context(), middleware.GetAdminID(c)); err != nil {
			s.abortWithError(c, "デバイストークンの削除", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "デバイストークンを削除しました"})
	}
}

// handleOrderEvent は注文イベントを受け取り、ファンアウトに渡すハンドラ。
// 通知レコードの書き込みまで完了してから応答する。
func (s *Server) handleOrderEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "リクエストボディを読み込めません", Code: codeValidation})
			return
		}
		ev, err := event.Parse(body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: codeValidation})
			return
		}

		if err := s.events.HandleEvent(c.Request.Context(), ev); err != nil {
			s.abortWithError(c, "注文イベントの処理", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "注文イベントを処理しました", "eventId": ev.ID})
	}
}
