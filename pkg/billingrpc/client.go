package billingrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
)

// maxResponseSize はレスポンスボディの最大サイズ。
const maxResponseSize = 1 << 20

// ClientConfig はクライアントの設定。
type ClientConfig struct {
	// BaseURL は課金サービスのベースURL。
	BaseURL string
	// MaxRetries は初回の後に行うリトライの最大回数。
	MaxRetries int
	// BaseBackoff はリトライ間隔の初期値。
	BaseBackoff time.Duration
	// MaxBackoff はリトライ間隔の上限。
	MaxBackoff time.Duration
	// AttemptTimeout は1回の試行あたりのタイムアウト。
	AttemptTimeout time.Duration
	// CallTimeout は呼び出し元が期限を指定しなかった場合の呼び出し全体の期限。
	CallTimeout time.Duration
	// BreakerThreshold はサーキットブレーカーが開くまでの連続失敗回数。0で既定値。
	BreakerThreshold uint32
	// BreakerCooldown はサーキットブレーカーが開いてから半開になるまでの時間。
	BreakerCooldown time.Duration
	// HTTPClient は使用するHTTPクライアント。nilの場合は既定のクライアントを使う。
	HTTPClient *http.Client
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// Client は課金サービスのクライアント。
// 一時的な失敗は同じリクエストでリトライし、拒否は即座に呼び出し元へ返す。
type Client struct {
	cfg     ClientConfig
	baseURL string
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

// NewClient は新しいClientを生成する。
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	cfg.applyDefaults()
	entry := log.Component("billing-client")
	threshold := cfg.BreakerThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "billing",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("サーキットブレーカーの状態が変化")
		},
	})
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		breaker: breaker,
		log:     entry,
	}
}

// Charge は課金を実行する。
// 拒否された場合はErrRemoteRejectedを、リトライを使い切った場合はErrRemoteUnavailableを返す。
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, &RejectedError{Code: CodeIdempotencyKeyMissing, Reason: "冪等キーが指定されていません"}
	}
	ctx, cancel := c.withCallDeadline(ctx, req.Deadline)
	defer cancel()
	req.Deadline, _ = ctx.Deadline()
	return c.invoke(ctx, "Charge", PathCharge, req)
}

// Void は冪等キーで指定した課金を取り消す。
// 課金がまだ届いていない場合でも、後から届いた課金が拒否されるように記録される。
func (c *Client) Void(ctx context.Context, req VoidRequest) (*ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, &RejectedError{Code: CodeIdempotencyKeyMissing, Reason: "冪等キーが指定されていません"}
	}
	ctx, cancel := c.withCallDeadline(ctx, req.Deadline)
	defer cancel()
	req.Deadline, _ = ctx.Deadline()
	return c.invoke(ctx, "Void", PathVoid, req)
}

// withCallDeadline は呼び出し全体の期限を決める。
// 明示された期限とコンテキストの期限のうち早い方を使い、どちらもなければCallTimeoutを使う。
func (c *Client) withCallDeadline(ctx context.Context, explicit time.Time) (context.Context, context.CancelFunc) {
	if !explicit.IsZero() {
		return context.WithDeadline(ctx, explicit)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Client) invoke(ctx context.Context, method, path string, req any) (*ChargeResult, error) {
	payload, err := Marshal(req)
	if err != nil {
		return nil, err
	}

	var (
		attempts int
		resp     *Response
	)
	operation := func() error {
		attempts++
		r, err := c.attempt(ctx, method, path, payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempts,
			"wait":    wait.String(),
		}).WithError(err).Warn("課金サービス呼び出しをリトライ")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, &UnavailableError{Attempts: attempts, Err: err}
	}

	switch resp.Status {
	case StatusOK:
		if resp.Result == nil {
			return nil, &UnavailableError{Attempts: attempts, Err: errors.New("結果が空のレスポンス")}
		}
		return resp.Result, nil
	case StatusRejected:
		rejected := &RejectedError{}
		if resp.Error != nil {
			rejected.Code = resp.Error.Code
			rejected.Reason = resp.Error.Reason
		}
		return nil, rejected
	default:
		return nil, &UnavailableError{Attempts: attempts, Err: fmt.Errorf("不明なステータス: %q", resp.Status)}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}

// attempt は1回の試行を行う。
// リトライすべき失敗はエラーで、リトライすべきでない結果はレスポンスで返す。
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		resp, err := c.send(attemptCtx, path, payload)
		if err != nil {
			return nil, err
		}
		if resp.Status == StatusUnavailable {
			reason := ""
			if resp.Error != nil {
				reason = resp.Error.Code + ": " + resp.Error.Reason
			}
			return nil, fmt.Errorf("課金サービスが一時的に利用できません: %s", reason)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RPCAttempts.WithLabelValues(method, "breaker_open").Inc()
			return nil, backoff.Permanent(fmt.Errorf("サーキットブレーカーが開いています: %w", err))
		}
		metrics.RPCAttempts.WithLabelValues(method, "transient").Inc()
		return nil, err
	}
	resp := out.(*Response)
	metrics.RPCAttempts.WithLabelValues(method, strings.ToLower(string(resp.Status))).Inc()
	return resp, nil
}

func (c *Client) send(ctx context.Context, path string, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("リクエストの作成に失敗: %w", err))
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpReq.Header.Set("Accept", ContentType)

	httpResp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("課金サービスへの送信に失敗: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	var resp Response
	if err := Unmarshal(body, &resp); err != nil || resp.Status == "" {
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("課金サービスがステータス%dを返しました", httpResp.StatusCode)
		}
		return nil, backoff.Permanent(fmt.Errorf("解釈できないレスポンス: status=%d", httpResp.StatusCode))
	}
	return &resp, nil
}
