package billingrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/carebridge/pkg/logger"
)

// fakeBilling は試行ごとの振る舞いを差し替えられる課金サーバー。
type fakeBilling struct {
	mu       sync.Mutex
	hits     atomic.Int32
	keys     []string
	deadline time.Time
	// behave は試行番号(1始まり)に応じたレスポンスを返す。nilの場合は接続を切断する。
	behave func(n int32) (int, *Response)
}

func (f *fakeBilling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	var req ChargeRequest
	_ = Unmarshal(body, &req)
	f.mu.Lock()
	f.keys = append(f.keys, req.IdempotencyKey)
	f.deadline = req.Deadline
	f.mu.Unlock()

	status, resp := f.behave(n)
	if resp == nil {
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	b, _ := Marshal(resp)
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func newTestClient(t *testing.T, url string, maxRetries int) *Client {
	t.Helper()
	return NewClient(ClientConfig{
		BaseURL:         url,
		MaxRetries:      maxRetries,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		AttemptTimeout:  time.Second,
		BreakerCooldown: time.Minute,
	}, logger.Discard())
}

func captured() *ChargeResult {
	return &ChargeResult{
		ChargeID:    "ch-1",
		PatientID:   "p-1",
		AmountCents: 5000,
		Currency:    "USD",
		State:       "captured",
		ProcessedAt: time.Now().UTC(),
	}
}

func chargeReq(key string) ChargeRequest {
	return ChargeRequest{IdempotencyKey: key, PatientID: "p-1", AmountCents: 5000, Currency: "USD"}
}

func TestClient_Charge(t *testing.T) {
	t.Parallel()

	t.Run("2回失敗した後3回目で成功する", func(t *testing.T) {
		t.Parallel()

		fake := &fakeBilling{behave: func(n int32) (int, *Response) {
			switch n {
			case 1:
				return 0, nil
			case 2:
				return http.StatusServiceUnavailable, Unavailable(CodeInternal, "一時的な障害")
			default:
				return http.StatusOK, OK(captured())
			}
		}}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		client := newTestClient(t, srv.URL, 3)
		result, err := client.Charge(context.Background(), chargeReq("registration-p-1"))
		if err != nil {
			t.Fatalf("Charge() error = %v", err)
		}
		if result.ChargeID != "ch-1" {
			t.Errorf("ChargeID = %q, want %q", result.ChargeID, "ch-1")
		}
		if got := fake.hits.Load(); got != 3 {
			t.Errorf("試行回数 = %d, want 3", got)
		}
		for _, k := range fake.keys {
			if k != "registration-p-1" {
				t.Errorf("リトライで冪等キーが変化した: %q", k)
			}
		}
	})

	t.Run("拒否はリトライせずに返す", func(t *testing.T) {
		t.Parallel()

		fake := &fakeBilling{behave: func(int32) (int, *Response) {
			return http.StatusUnprocessableEntity, Rejected(CodeInvalidAmount, "金額が不正です")
		}}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		client := newTestClient(t, srv.URL, 3)
		_, err := client.Charge(context.Background(), chargeReq("k-rejected"))
		if !errors.Is(err, ErrRemoteRejected) {
			t.Fatalf("error = %v, want ErrRemoteRejected", err)
		}
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Code != CodeInvalidAmount {
			t.Errorf("RejectedError = %+v, want code %s", rejected, CodeInvalidAmount)
		}
		if got := fake.hits.Load(); got != 1 {
			t.Errorf("試行回数 = %d, want 1", got)
		}
	})

	t.Run("リトライを使い切るとErrRemoteUnavailableを返す", func(t *testing.T) {
		t.Parallel()

		fake := &fakeBilling{behave: func(int32) (int, *Response) {
			return http.StatusServiceUnavailable, Unavailable(CodeInternal, "停止中")
		}}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		client := newTestClient(t, srv.URL, 2)
		_, err := client.Charge(context.Background(), chargeReq("k-exhausted"))
		if !errors.Is(err, ErrRemoteUnavailable) {
			t.Fatalf("error = %v, want ErrRemoteUnavailable", err)
		}
		var unavailable *UnavailableError
		if !errors.As(err, &unavailable) || unavailable.Attempts != 3 {
			t.Errorf("UnavailableError = %+v, want Attempts 3", unavailable)
		}
		if got := fake.hits.Load(); got != 3 {
			t.Errorf("試行回数 = %d, want 3", got)
		}
	})

	t.Run("呼び出し元の期限がリクエストに載る", func(t *testing.T) {
		t.Parallel()

		fake := &fakeBilling{behave: func(int32) (int, *Response) {
			return http.StatusOK, OK(captured())
		}}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		deadline := time.Now().Add(3 * time.Second)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		client := newTestClient(t, srv.URL, 0)
		if _, err := client.Charge(ctx, chargeReq("k-deadline")); err != nil {
			t.Fatalf("Charge() error = %v", err)
		}
		fake.mu.Lock()
		got := fake.deadline
		fake.mu.Unlock()
		if !got.Equal(deadline) {
			t.Errorf("Deadline = %v, want %v", got, deadline)
		}
	})

	t.Run("期限を過ぎるとリトライを打ち切る", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{
			BaseURL:        srv.URL,
			MaxRetries:     10,
			BaseBackoff:    time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			AttemptTimeout: 50 * time.Millisecond,
		}, logger.Discard())

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.Charge(ctx, chargeReq("k-timeout"))
		if !errors.Is(err, ErrRemoteUnavailable) {
			t.Fatalf("error = %v, want ErrRemoteUnavailable", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("経過時間 = %v, 期限で打ち切られていない", elapsed)
		}
	})

	t.Run("冪等キーがないと送信しない", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, "http://127.0.0.1:1", 0)
		_, err := client.Charge(context.Background(), ChargeRequest{AmountCents: 1, Currency: "USD"})
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Code != CodeIdempotencyKeyMissing {
			t.Errorf("error = %v, want %s", err, CodeIdempotencyKeyMissing)
		}
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	t.Parallel()

	fake := &fakeBilling{behave: func(int32) (int, *Response) {
		return http.StatusServiceUnavailable, Unavailable(CodeInternal, "停止中")
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewClient(ClientConfig{
		BaseURL:          srv.URL,
		MaxRetries:       0,
		BaseBackoff:      time.Millisecond,
		AttemptTimeout:   time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, logger.Discard())

	for i := 0; i < 2; i++ {
		if _, err := client.Charge(context.Background(), chargeReq("k-breaker")); !errors.Is(err, ErrRemoteUnavailable) {
			t.Fatalf("呼び出し%d: error = %v, want ErrRemoteUnavailable", i+1, err)
		}
	}

	_, err := client.Charge(context.Background(), chargeReq("k-breaker"))
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("error = %v, want ErrRemoteUnavailable", err)
	}
	if got := fake.hits.Load(); got != 2 {
		t.Errorf("ブレーカーが開いた後もサーバーに到達した: hits = %d, want 2", got)
	}
}

func TestClient_Void(t *testing.T) {
	t.Parallel()

	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req VoidRequest
		_ = Unmarshal(body, &req)
		result := captured()
		result.State = "voided"
		b, _ := Marshal(OK(result))
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 0)
	result, err := client.Void(context.Background(), VoidRequest{IdempotencyKey: "k-void", Reason: "テスト"})
	if err != nil {
		t.Fatalf("Void() error = %v", err)
	}
	if result.State != "voided" {
		t.Errorf("State = %q, want %q", result.State, "voided")
	}
	if got := path.Load(); got != PathVoid {
		t.Errorf("path = %v, want %s", got, PathVoid)
	}
}
