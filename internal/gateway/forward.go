package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
	"github.com/nao1215/carebridge/pkg/middleware"
)

var (
	// ErrBackendUnreachable は転送先に接続できなかったことを表す。
	ErrBackendUnreachable = errors.New("転送先サービスとの通信に失敗しました")
	// ErrBackendTimeout は転送が期限内に完了しなかったことを表す。
	ErrBackendTimeout = errors.New("転送先サービスが期限内に応答しませんでした")
)

// hopHeaders は転送しないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Forwarder はリクエストを転送先サービスへ中継する。
type Forwarder struct {
	client *http.Client
	log    *logrus.Entry
}

// NewForwarder は新しいForwarderを生成する。clientがnilの場合は既定のクライアントを使う。
func NewForwarder(client *http.Client, log *logger.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{client: client, log: log.Component("forward")}
}

// Forward はパスとクエリを保ったままリクエストを転送し、応答をそのまま返す。
// 期限はコンテキストとX-Request-Deadlineヘッダーの両方で伝播する。
func (f *Forwarder) Forward(ctx context.Context, ex *Exchange) *Reply {
	start := time.Now()
	defer func() {
		metrics.GatewayForwardDuration.WithLabelValues(ex.Route.rule.PathPattern).Observe(time.Since(start).Seconds())
	}()

	target := ex.Route.Target()
	target.Path = joinPath(target.Path, ex.Request.URL.Path)
	target.RawPath = ""
	target.RawQuery = ex.Request.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, ex.Request.Method, target.String(), ex.Request.Body)
	if err != nil {
		return failure(http.StatusBadGateway, OutcomeBadGateway, fmt.Errorf("%w: %w", ErrBackendUnreachable, err))
	}
	req.ContentLength = ex.Request.ContentLength
	copyHeader(req.Header, ex.Request.Header)
	// クライアントが付けた伝播用ヘッダーは信用しない。
	req.Header.Del(middleware.HeaderSubject)
	req.Header.Del(middleware.HeaderRoles)
	req.Header.Del(middleware.HeaderDeadline)
	if deadline, ok := ctx.Deadline(); ok {
		req.Header.Set(middleware.HeaderDeadline, middleware.FormatDeadline(deadline))
	}
	if ex.Principal != nil {
		req.Header.Set(middleware.HeaderSubject, ex.Principal.Subject)
		req.Header.Set(middleware.HeaderRoles, strings.Join(ex.Principal.Roles, ","))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.transportFailure(ctx, target.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.transportFailure(ctx, target.String(), err)
	}

	header := http.Header{}
	copyHeader(header, resp.Header)
	header.Del("Content-Length")
	return &Reply{Status: resp.StatusCode, Header: header, Body: body, Outcome: OutcomeForwarded}
}

// transportFailure は通信エラーを502または504に変換する。
func (f *Forwarder) transportFailure(ctx context.Context, url string, err error) *Reply {
	entry := f.log.WithError(err).WithField("url", url)
	if isTimeout(ctx, err) {
		entry.Warn("転送がタイムアウトしました")
		return failure(http.StatusGatewayTimeout, OutcomeTimeout, ErrBackendTimeout)
	}
	entry.Warn("転送先との通信に失敗しました")
	return failure(http.StatusBadGateway, OutcomeBadGateway, ErrBackendUnreachable)
}

// isTimeout は期限切れによる失敗かどうかを判定する。
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// copyHeader はホップバイホップヘッダーを除いてヘッダーを複製する。
func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// joinPath は転送先のベースパスとリクエストパスを連結する。
func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}
