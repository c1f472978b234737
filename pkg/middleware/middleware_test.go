package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubValidator はテスト用のTokenValidator。
type stubValidator struct {
	principals map[string]credential.Principal
}

func (s stubValidator) Validate(token string) (credential.Principal, error) {
	if token == "expired" {
		return credential.Principal{}, credential.ErrExpiredCredential
	}
	p, ok := s.principals[token]
	if !ok {
		return credential.Principal{}, credential.ErrMalformedCredential
	}
	return p, nil
}

// TestAuthenticate はAuthenticateミドルウェアを検証する。
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	validator := stubValidator{principals: map[string]credential.Principal{
		"good": {Subject: "alice", Roles: []string{"clinician"}},
	}}

	newRouter := func(called *bool) *gin.Engine {
		router := gin.New()
		router.Use(Authenticate(validator))
		router.GET("/me", func(c *gin.Context) {
			*called = true
			c.JSON(http.StatusOK, gin.H{"subject": GetSubject(c)})
		})
		return router
	}

	t.Run("有効なトークンでPrincipalがコンテキストに設定されること", func(t *testing.T) {
		t.Parallel()

		called := false
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		newRouter(&called).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["subject"] != "alice" {
			t.Errorf("subject = %q, want %q", body["subject"], "alice")
		}
	})

	t.Run("無効なトークンではハンドラーが呼ばれず401が返ること", func(t *testing.T) {
		t.Parallel()

		for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer expired", "Bearer forged"} {
			called := false
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			newRouter(&called).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("header=%q: ステータスコード = %d, want %d", header, w.Code, http.StatusUnauthorized)
			}
			if called {
				t.Errorf("header=%q: ハンドラーが呼ばれるべきではない", header)
			}
		}
	})
}

// TestDeadline はDeadlineミドルウェアを検証する。
func TestDeadline(t *testing.T) {
	t.Parallel()

	newRouter := func(got *time.Time, ok *bool) *gin.Engine {
		router := gin.New()
		router.Use(Deadline())
		router.GET("/work", func(c *gin.Context) {
			*got, *ok = c.Request.Context().Deadline()
			c.Status(http.StatusNoContent)
		})
		return router
	}

	t.Run("ヘッダーの期限がコンテキストに適用されること", func(t *testing.T) {
		t.Parallel()

		deadline := time.Now().Add(5 * time.Second)
		var got time.Time
		var ok bool
		req := httptest.NewRequest(http.MethodGet, "/work", nil)
		req.Header.Set(HeaderDeadline, FormatDeadline(deadline))
		w := httptest.NewRecorder()
		newRouter(&got, &ok).ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if !ok || !got.Equal(deadline.UTC()) {
			t.Errorf("Deadline = %v (ok=%v), want %v", got, ok, deadline)
		}
	})

	t.Run("期限切れのリクエストは504になること", func(t *testing.T) {
		t.Parallel()

		var got time.Time
		var ok bool
		req := httptest.NewRequest(http.MethodGet, "/work", nil)
		req.Header.Set(HeaderDeadline, FormatDeadline(time.Now().Add(-time.Second)))
		w := httptest.NewRecorder()
		newRouter(&got, &ok).ServeHTTP(w, req)

		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
	})

	t.Run("不正な形式の期限は400になること", func(t *testing.T) {
		t.Parallel()

		var got time.Time
		var ok bool
		req := httptest.NewRequest(http.MethodGet, "/work", nil)
		req.Header.Set(HeaderDeadline, "tomorrow")
		w := httptest.NewRecorder()
		newRouter(&got, &ok).ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("ヘッダーが無い場合は期限を設定しないこと", func(t *testing.T) {
		t.Parallel()

		var got time.Time
		ok := true
		req := httptest.NewRequest(http.MethodGet, "/work", nil).WithContext(context.Background())
		w := httptest.NewRecorder()
		newRouter(&got, &ok).ServeHTTP(w, req)

		if ok {
			t.Errorf("期限が設定されている: %v", got)
		}
	})
}

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	panics := map[string]any{
		"文字列":   "テスト用パニック",
		"整数":    42,
		"error型": errors.New("boom"),
	}
	for name, value := range panics {
		t.Run(name+"のパニックで500が返りサーバーが継続すること", func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(Recovery(logger.Discard()))
			router.GET("/panic", func(_ *gin.Context) { panic(value) })
			router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
			if w.Code != http.StatusInternalServerError {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
			}

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
			if w.Code != http.StatusOK {
				t.Errorf("パニック後のステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(CORS([]string{"http://localhost:3000"}))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.OPTIONS("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("許可されたオリジンに期限ヘッダーを含むCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type, X-Request-Deadline" {
			t.Errorf("Access-Control-Allow-Headers = %q", got)
		}
	})

	t.Run("許可されていないオリジンにはCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty string", got)
		}
	})

	t.Run("OPTIONSリクエストは204で中断されること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
	})
}
