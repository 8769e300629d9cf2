// Package middleware は管理者向けHTTP APIで使用するGinミドルウェアを提供する。
//
// 管理者JWTの検証、パニックリカバリ、CORS設定を含む。
// エラーレスポンスはAPI全体で共通の {"error": メッセージ, "code": 識別子} 形式で返す。
package middleware
