package domain

// Change はオーディエンスの通知レコードが変化したことを表すシグナル。
// レコード本体は含まず、受け取った側が一覧を再取得する。
type Change struct {
	// Audience は変化があったオーディエンス。
	Audience Audience
	// Err は変更の監視が失敗した場合のエラー。非nilのシグナルの後に監視は終了する。
	Err error
}
