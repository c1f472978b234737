package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/carebridge/pkg/config"
)

var (
	// ErrRouteNotFound はリクエストに一致するルートが無いことを表す。
	ErrRouteNotFound = errors.New("ルートが見つかりません")
	// ErrMethodNotAllowed はルートがリクエストのメソッドを許可していないことを表す。
	ErrMethodNotAllowed = errors.New("メソッドが許可されていません")
	// ErrInvalidRoute はルート定義が不正であることを表す。
	ErrInvalidRoute = errors.New("ルート定義が不正です")
)

// knownMethods はルートに指定できるHTTPメソッド。
var knownMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// RouteRule はパスパターンと転送先の対応。
type RouteRule struct {
	// PathPattern は完全一致（"/health/x"）または前方一致（"/patients/*"）のパターン。
	PathPattern string `yaml:"path"`
	// Target は転送先サービスのベースURL。
	Target string `yaml:"target"`
	// RequiresAuth は資格情報の検証を必須とするかどうか。
	RequiresAuth bool `yaml:"requires_auth"`
	// Methods は許可するメソッド。空の場合は全メソッドを許可する。
	Methods []string `yaml:"methods"`
}

// routeFile はルートファイルのYAML構造。
type routeFile struct {
	Routes []RouteRule `yaml:"routes"`
}

// Route は検証済みのルート。
type Route struct {
	rule    RouteRule
	base    string
	prefix  bool
	target  *url.URL
	methods []string
}

// Rule は元のルート定義を返す。
func (r *Route) Rule() RouteRule {
	rule := r.rule
	rule.Methods = slices.Clone(r.rule.Methods)
	return rule
}

// Target は転送先のURLを返す。
func (r *Route) Target() *url.URL {
	u := *r.target
	return &u
}

// Allows はメソッドが許可されているかを返す。
func (r *Route) Allows(method string) bool {
	return len(r.methods) == 0 || slices.Contains(r.methods, method)
}

// matches はパスがパターンに一致するかを返す。
func (r *Route) matches(path string) bool {
	if !r.prefix {
		return path == r.base
	}
	if r.base == "" {
		return true
	}
	return path == r.base || strings.HasPrefix(path, r.base+"/")
}

// RouteTable は不変のルートテーブル。最長一致の順に並べて保持する。
type RouteTable struct {
	routes []*Route
}

// NewRouteTable はルート定義を検証してテーブルを構築する。
// 1件でも不正な定義があればテーブル全体を拒否する。
func NewRouteTable(rules []RouteRule) (*RouteTable, error) {
	var errs []error
	seen := make(map[string]struct{}, len(rules))
	routes := make([]*Route, 0, len(rules))
	for i, rule := range rules {
		r, err := compileRule(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[rule.PathPattern]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: パターン %q が重複しています", i, rule.PathPattern))
			continue
		}
		seen[rule.PathPattern] = struct{}{}
		routes = append(routes, r)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoute, errors.Join(errs...))
	}

	// 長いパターンを優先し、同じ長さなら完全一致を前方一致より先に評価する。
	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].base) != len(routes[j].base) {
			return len(routes[i].base) > len(routes[j].base)
		}
		return !routes[i].prefix && routes[j].prefix
	})
	return &RouteTable{routes: routes}, nil
}

// compileRule は1件のルート定義を検証する。
func compileRule(rule RouteRule) (*Route, error) {
	pattern := rule.PathPattern
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("パターン %q は/で始まる必要があります", pattern)
	}

	r := &Route{rule: rule, base: pattern}
	if base, ok := strings.CutSuffix(pattern, "/*"); ok {
		r.prefix = true
		r.base = base
	}
	if strings.Contains(r.base, "*") {
		return nil, fmt.Errorf("パターン %q のワイルドカードは末尾の/*のみ使用できます", pattern)
	}

	target, err := url.Parse(rule.Target)
	if err != nil {
		return nil, fmt.Errorf("転送先 %q を解析できません: %w", rule.Target, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("転送先 %q はhttp(s)の絶対URLである必要があります", rule.Target)
	}
	r.target = target

	for _, m := range rule.Methods {
		upper := strings.ToUpper(m)
		if !slices.Contains(knownMethods, upper) {
			return nil, fmt.Errorf("未知のメソッド %q", m)
		}
		r.methods = append(r.methods, upper)
	}
	return r, nil
}

// Match はパスに一致する最長のルートを返す。
func (t *RouteTable) Match(path string) (*Route, error) {
	for _, r := range t.routes {
		if r.matches(path) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

// Rules は評価順のルート定義を返す。
func (t *RouteTable) Rules() []RouteRule {
	rules := make([]RouteRule, 0, len(t.routes))
	for _, r := range t.routes {
		rules = append(rules, r.Rule())
	}
	return rules
}

// ParseRouteTable はYAMLからルートテーブルを構築する。
func ParseRouteTable(data []byte) (*RouteTable, error) {
	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: YAMLの解析に失敗: %w", ErrInvalidRoute, err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("%w: ルートが1件も定義されていません", ErrInvalidRoute)
	}
	return NewRouteTable(f.Routes)
}

// LoadRouteTable はYAMLファイルからルートテーブルを読み込む。
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ルートファイル %s の読み込みに失敗: %w", path, err)
	}
	return ParseRouteTable(data)
}

// DefaultRoutes はルートファイルが指定されない場合の組み込みルート。
func DefaultRoutes(services config.ServiceURLs) []RouteRule {
	return []RouteRule{
		{
			PathPattern:  "/patients/*",
			Target:       services.Patient,
			RequiresAuth: true,
			Methods:      []string{http.MethodGet, http.MethodPost},
		},
		{
			PathPattern:  "/charges/*",
			Target:       services.Billing,
			RequiresAuth: true,
			Methods:      []string{http.MethodGet},
		},
		{
			PathPattern:  "/reports/*",
			Target:       services.Report,
			RequiresAuth: true,
			Methods:      []string{http.MethodGet},
		},
	}
}
