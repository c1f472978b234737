package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/middleware"
)

// HeaderGatewayError はゲートウェイ自身が生成した失敗レスポンスに付与するヘッダー。
const HeaderGatewayError = "X-Gateway-Error"

// Outcome はリクエスト処理の結果分類。メトリクスのラベルに使う。
type Outcome string

const (
	OutcomeForwarded        Outcome = "forwarded"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeMethodNotAllowed Outcome = "method_not_allowed"
	OutcomeUnauthorized     Outcome = "unauthorized"
	OutcomeBadGateway       Outcome = "bad_gateway"
	OutcomeTimeout          Outcome = "timeout"
)

// ErrUnauthorized は資格情報が無いか無効であることを表す。
var ErrUnauthorized = errors.New("資格情報が必要です")

// Exchange は1件のリクエストの処理状態。ステージ間で共有される。
type Exchange struct {
	// Request はクライアントからのリクエスト。
	Request *http.Request
	// Route は一致したルート。ルート照合前はnil。
	Route *Route
	// Principal は検証済みの呼び出し元。認証不要のルートではnil。
	Principal *credential.Principal
}

// Reply はステージが返す終端レスポンス。
type Reply struct {
	// Status はHTTPステータスコード。
	Status int
	// Header は返却するヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
	// Outcome は処理結果の分類。
	Outcome Outcome
	// Err はゲートウェイが生成した失敗の原因。転送先のレスポンスの場合はnil。
	Err error
}

// failure はゲートウェイ起因の失敗レスポンスを生成する。
func failure(status int, outcome Outcome, err error) *Reply {
	return &Reply{Status: status, Header: http.Header{}, Outcome: outcome, Err: err}
}

// Stage はパイプラインの1段階。終端レスポンスを返した場合は以降の段階を実行しない。
type Stage struct {
	Name string
	Run  func(ctx context.Context, ex *Exchange) *Reply
}

// Pipeline はステージを順に適用してリクエストを処理する。
type Pipeline struct {
	stages []Stage
}

// NewPipeline は新しいPipelineを生成する。
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Handle はリクエストを処理してレスポンスを返す。
func (p *Pipeline) Handle(ctx context.Context, ex *Exchange) *Reply {
	for _, st := range p.stages {
		if reply := st.Run(ctx, ex); reply != nil {
			return reply
		}
	}
	return failure(http.StatusBadGateway, OutcomeBadGateway, errors.New("転送ステージが構成されていません"))
}

// MatchStage はパスに一致するルートを選択する。
func MatchStage(loader *RouteLoader) Stage {
	return Stage{Name: "match", Run: func(_ context.Context, ex *Exchange) *Reply {
		route, err := loader.Table().Match(ex.Request.URL.Path)
		if err != nil {
			return failure(http.StatusNotFound, OutcomeNotFound, err)
		}
		ex.Route = route
		return nil
	}}
}

// MethodStage はルートがメソッドを許可しているかを確認する。
func MethodStage() Stage {
	return Stage{Name: "method", Run: func(_ context.Context, ex *Exchange) *Reply {
		if ex.Route.Allows(ex.Request.Method) {
			return nil
		}
		reply := failure(http.StatusMethodNotAllowed, OutcomeMethodNotAllowed,
			fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, ex.Request.Method, ex.Request.URL.Path))
		for _, m := range ex.Route.methods {
			reply.Header.Add("Allow", m)
		}
		return reply
	}}
}

// AuthStage は認証が必要なルートで資格情報を検証する。
// 検証に失敗した場合は転送先に到達させない。
func AuthStage(v middleware.TokenValidator) Stage {
	return Stage{Name: "authenticate", Run: func(_ context.Context, ex *Exchange) *Reply {
		if !ex.Route.rule.RequiresAuth {
			return nil
		}
		token, ok := middleware.BearerToken(ex.Request.Header.Get("Authorization"))
		if !ok {
			return failure(http.StatusUnauthorized, OutcomeUnauthorized, ErrUnauthorized)
		}
		p, err := v.Validate(token)
		if err != nil {
			return failure(http.StatusUnauthorized, OutcomeUnauthorized, fmt.Errorf("%w: %w", ErrUnauthorized, err))
		}
		ex.Principal = &p
		return nil
	}}
}

// ForwardStage はリクエストを転送先に送る。
func ForwardStage(f *Forwarder) Stage {
	return Stage{Name: "forward", Run: func(ctx context.Context, ex *Exchange) *Reply {
		return f.Forward(ctx, ex)
	}}
}
