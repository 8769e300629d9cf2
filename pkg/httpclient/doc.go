// Package httpclient はサービス間のJSON over HTTP通信を行うクライアントを提供する。
//
// 通知サービスから監査用のEvent Storeへイベントを送る際などに使う。
// 2xx以外の応答は*StatusErrorとして返し、呼び出し元が再試行の可否を判断できるようにする。
package httpclient
