package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultListLimit は一覧取得の既定件数。
const DefaultListLimit = 20

// MaxListLimit は一覧取得の最大件数。
const MaxListLimit = 100

// ClampLimit は一覧取得件数を [1, MaxListLimit] に収める。0以下は既定件数になる。
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// Cursor は作成日時の降順で並んだ一覧の続きを指す位置。
// 同じ作成日時のレコードはIDの降順で並ぶ。
type Cursor struct {
	// CreatedAt は直前のページ末尾レコードの作成日時。
	CreatedAt time.Time
	// ID は直前のページ末尾レコードのID。
	ID string
}

// CursorAfter はレコードの直後を指すカーソルを返す。
func CursorAfter(r Record) Cursor {
	return Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Encode はカーソルを不透明な文字列にする。
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor は不透明な文字列からカーソルを復元する。空文字列はゼロ値（先頭）を返す。
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: カーソルの形式が不正です", ErrValidation)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("%w: カーソルの形式が不正です", ErrValidation)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: カーソルの形式が不正です", ErrValidation)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// IsZero はカーソルが先頭を指すかを返す。
func (c Cursor) IsZero() bool {
	return c.ID == ""
}

// Page は一覧取得の1ページ分の結果。
type Page struct {
	// Records は作成日時の降順に並んだレコード。
	Records []Record `json:"records"`
	// NextCursor は次のページのカーソル。最後のページでは空文字列。
	NextCursor string `json:"nextCursor,omitempty"`
}

// NewPage はlimit+1件まで取得したレコードからページを組み立てる。
// limitを超える分があれば次のページのカーソルを設定する。
func NewPage(records []Record, limit int) Page {
	if len(records) <= limit {
		if records == nil {
			records = []Record{}
		}
		return Page{Records: records}
	}
	page := records[:limit]
	return Page{Records: page, NextCursor: CursorAfter(page[len(page)-1]).Encode()}
}
