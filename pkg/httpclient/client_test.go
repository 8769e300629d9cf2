package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// auditEvent はテスト用のリクエスト/レスポンスペイロード。
type auditEvent struct {
	// ID はイベントID。
	ID string `json:"id"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ベースURLの末尾のスラッシュを除く", func(t *testing.T) {
		t.Parallel()

		c := New("http://eventstore:8084/")
		if c.baseURL != "http://eventstore:8084" {
			t.Errorf("baseURL = %q", c.baseURL)
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("オプションでタイムアウトを変更できる", func(t *testing.T) {
		t.Parallel()

		c := New("http://eventstore:8084", WithTimeout(time.Second))
		if c.httpClient.Timeout != time.Second {
			t.Errorf("Timeout = %v, want 1s", c.httpClient.Timeout)
		}
	})
}

func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディと相関IDを送信してレスポンスを受け取る", func(t *testing.T) {
		t.Parallel()

		var (
			gotPath, gotRequestID, gotContentType string
			gotBody                               auditEvent
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotRequestID = r.Header.Get(HeaderRequestID)
			gotContentType = r.Header.Get("Content-Type")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(auditEvent{ID: "stored-1"})
		}))
		defer ts.Close()

		ctx := WithRequestID(context.Background(), "evt-1")
		var result auditEvent
		err := New(ts.URL).PostJSON(ctx, "/api/v1/events", auditEvent{ID: "evt-1", EventType: "NotificationRecorded"}, &result)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotPath != "/api/v1/events" {
			t.Errorf("Path = %q", gotPath)
		}
		if gotRequestID != "evt-1" {
			t.Errorf("X-Request-ID = %q, want %q", gotRequestID, "evt-1")
		}
		if gotContentType != "application/json" {
			t.Errorf("Content-Type = %q", gotContentType)
		}
		if gotBody.EventType != "NotificationRecorded" {
			t.Errorf("送信したボディが一致しない: %+v", gotBody)
		}
		if result.ID != "stored-1" {
			t.Errorf("result.ID = %q", result.ID)
		}
	})

	t.Run("resultがnilの場合はボディを読み捨てる", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"status":"created"}`)
		}))
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/api/v1/events", auditEvent{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("2xx以外はStatusErrorを返す", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name      string
			status    int
			temporary bool
		}{
			{name: "400は再試行しない", status: http.StatusBadRequest, temporary: false},
			{name: "429は再試行できる", status: http.StatusTooManyRequests, temporary: true},
			{name: "503は再試行できる", status: http.StatusServiceUnavailable, temporary: true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, strings.Repeat("x", maxErrorBody*2))
				}))
				defer ts.Close()

				err := New(ts.URL).PostJSON(context.Background(), "/api/v1/events", auditEvent{}, nil)
				var se *StatusError
				if !errors.As(err, &se) {
					t.Fatalf("StatusErrorであるべき: got %v", err)
				}
				if se.StatusCode != tt.status || se.Temporary() != tt.temporary {
					t.Errorf("StatusError = %d temporary=%v", se.StatusCode, se.Temporary())
				}
				if len(se.Body) != maxErrorBody {
					t.Errorf("ボディは上限で切り詰められるべき: got %d", len(se.Body))
				}
			})
		}
	})

	t.Run("キャンセルされたコンテキストではエラーになる", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := New(ts.URL).PostJSON(ctx, "/api/v1/events", auditEvent{}, nil); err == nil {
			t.Fatal("エラーになるべき")
		}
	})
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("ボディなしでGETしてレスポンスを受け取る", func(t *testing.T) {
		t.Parallel()

		var gotBody []byte
		var gotContentType string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotContentType = r.Header.Get("Content-Type")
			_ = json.NewEncoder(w).Encode(auditEvent{ID: "evt-9"})
		}))
		defer ts.Close()

		var result auditEvent
		if err := New(ts.URL).GetJSON(context.Background(), "/api/v1/events/evt-9", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if len(gotBody) != 0 || gotContentType != "" {
			t.Errorf("GETにボディを含めるべきでない: body=%q content-type=%q", gotBody, gotContentType)
		}
		if result.ID != "evt-9" {
			t.Errorf("result.ID = %q", result.ID)
		}
	})

	t.Run("不正なJSONレスポンスはエラーになる", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{invalid json}`)
		}))
		defer ts.Close()

		var result auditEvent
		if err := New(ts.URL).GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("エラーになるべき")
		}
	})

	t.Run("接続できないサーバーはエラーになる", func(t *testing.T) {
		t.Parallel()

		var result auditEvent
		if err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("エラーになるべき")
		}
	})
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	if _, ok := RequestIDFrom(context.Background()); ok {
		t.Error("未設定の場合はfalseであるべき")
	}
	if _, ok := RequestIDFrom(WithRequestID(context.Background(), "")); ok {
		t.Error("空文字列の場合はfalseであるべき")
	}
	if id, ok := RequestIDFrom(WithRequestID(context.Background(), "evt-1")); !ok || id != "evt-1" {
		t.Errorf("RequestIDFrom = %q, %v", id, ok)
	}
}
