// Package notification は管理画面向けの通知APIサーバーを提供する。
//
// 通知一覧のページング取得、SSEによるリアルタイムフィード、既読管理、
// 未読件数、デバイストークンの登録と削除を行う。注文イベントを内部APIで受け取り、
// ファンアウトに渡すこともできる。全エンドポイントは管理者JWTで保護される。
package notification
