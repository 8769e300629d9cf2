package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied はプッシュ通知の許可がない、または管理者トークンがないことを表す。
	// プッシュを省略するだけで、アプリ内通知の書き込みは継続する。
	ErrPermissionDenied = errors.New("プッシュ通知が許可されていません")
	// ErrTokenUnavailable は対象オーディエンスに登録済みデバイスがないことを表す。
	ErrTokenUnavailable = errors.New("配信先のデバイストークンがありません")
	// ErrTransportFailure はプッシュ配信基盤の呼び出しが失敗したことを表す。
	ErrTransportFailure = errors.New("プッシュ配信基盤の呼び出しに失敗しました")
	// ErrStorageUnavailable はドキュメントストアに到達できないことを表す。
	// 呼び出し元はイベントを未処理として扱い、再配送に任せる。
	ErrStorageUnavailable = errors.New("ストレージを利用できません")
	// ErrIndexMissing はクエリに必要な複合インデックスが存在しないことを表す。
	ErrIndexMissing = errors.New("必要なインデックスが存在しません")
	// ErrValidation は注文または通知のフィールドが不正であることを表す。
	ErrValidation = errors.New("入力値が不正です")
	// ErrNotFound は指定された通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
)

// IndexMissingError は不足しているインデックスの詳細を保持する。
// errors.Is(err, ErrIndexMissing) で判定できる。
type IndexMissingError struct {
	// Collection はクエリ対象のコレクション名。
	Collection string
	// Fields はインデックスに必要なフィールドと並び順。
	Fields []string
	// Cause はストアが返した元のエラー。インデックス作成用のリンクを含むことがある。
	Cause error
}

// NotificationsIndexMissing は通知一覧クエリ用の複合インデックス不足エラーを返す。
func NotificationsIndexMissing(cause error) *IndexMissingError {
	return &IndexMissingError{
		Collection: "notifications",
		Fields:     []string{"targetAudience ASC", "createdAt DESC"},
		Cause:      cause,
	}
}

func (e *IndexMissingError) Error() string {
	msg := fmt.Sprintf("%s: collection=%s fields=[%s]", ErrIndexMissing.Error(), e.Collection, strings.Join(e.Fields, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is はErrIndexMissingとの比較を可能にする。
func (e *IndexMissingError) Is(target error) bool {
	return target == ErrIndexMissing
}

func (e *IndexMissingError) Unwrap() error {
	return e.Cause
}

// Unavailable はストレージ障害をErrStorageUnavailableでラップする。
// nilやすでに分類済みのエラーはそのまま返す。
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIndexMissing) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %sに失敗: %w", ErrStorageUnavailable, op, err)
}
