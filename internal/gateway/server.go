package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
	"github.com/nao1215/carebridge/pkg/middleware"
)

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// subjects は資格情報を発行できるサブジェクトの保存先。
	subjects *SubjectStore
	// issuer は資格情報の発行者。
	issuer *credential.Issuer
	// routes は現在のルートテーブル。
	routes *RouteLoader
	// pipeline は転送対象リクエストの処理手順。
	pipeline *Pipeline
	// timeout はリクエスト全体の期限。
	timeout time.Duration
	// stopWatch はルートファイル監視の停止関数。
	stopWatch func()
	log       *logrus.Entry
}

// Options はServerの構成要素。
type Options struct {
	Port string
	DB   *sql.DB
	// Key は資格情報の署名と検証に使う鍵。
	Key interface {
		credential.Signer
		credential.Verifier
	}
	CredentialTTL  time.Duration
	IssuerName     string
	Routes         *RouteLoader
	Timeout        time.Duration
	AllowedOrigins []string
	// HTTPClient は転送に使うクライアント。nilなら既定のクライアントを使う。
	HTTPClient *http.Client
}

// NewServer は設定からGatewayサーバーを生成する。
// SQLiteデータベースの初期化、初期サブジェクトの登録、ルートテーブルの読み込みを行う。
func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	sqlDB, err := database.OpenSQLite(cfg.DBPath("gateway"))
	if err != nil {
		return nil, err
	}

	routes, err := loadRoutes(cfg, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	s, err := New(Options{
		Port:           cfg.Port,
		DB:             sqlDB,
		Key:            credential.NewHMACKey([]byte(cfg.Credential.Secret)),
		CredentialTTL:  cfg.Credential.TTL,
		IssuerName:     cfg.Credential.Issuer,
		Routes:         routes,
		Timeout:        cfg.Gateway.Timeout,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := s.subjects.Bootstrap(context.Background(), cfg.Bootstrap.Subject, cfg.Bootstrap.Secret, cfg.Bootstrap.Roles); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("初期サブジェクトの登録に失敗: %w", err)
	}

	if cfg.Gateway.WatchRoutes {
		stop, err := routes.Watch()
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		s.stopWatch = stop
	}
	return s, nil
}

// loadRoutes はルートファイルまたは組み込みのルートからRouteLoaderを生成する。
func loadRoutes(cfg *config.Config, log *logger.Logger) (*RouteLoader, error) {
	if cfg.Gateway.RoutesFile != "" {
		return NewRouteLoader(cfg.Gateway.RoutesFile, log)
	}
	table, err := NewRouteTable(DefaultRoutes(cfg.Services))
	if err != nil {
		return nil, err
	}
	return NewStaticRouteLoader(table, log), nil
}

// New は構成要素からGatewayサーバーを生成する。
func New(opts Options, log *logger.Logger) (*Server, error) {
	if err := initSchema(opts.DB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	subjects := NewSubjectStore(opts.DB)
	validator := credential.NewValidator(opts.Key)

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:   router,
		port:     opts.Port,
		db:       opts.DB,
		subjects: subjects,
		issuer:   credential.NewIssuer(subjects, opts.Key, opts.CredentialTTL, opts.IssuerName),
		routes:   opts.Routes,
		pipeline: NewPipeline(
			MatchStage(opts.Routes),
			MethodStage(),
			AuthStage(validator),
			ForwardStage(NewForwarder(opts.HTTPClient, log)),
		),
		timeout:   opts.Timeout,
		stopWatch: func() {},
		log:       log.Component("gateway"),
	}
	s.setupRoutes()
	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Handler はテストやサーバー組み込み用にHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Subjects はサブジェクトの保存先を返す。
func (s *Server) Subjects() *SubjectStore {
	return s.subjects
}

// Routes は現在のルートテーブルを保持するRouteLoaderを返す。
func (s *Server) Routes() *RouteLoader {
	return s.routes
}

// Close はルートファイルの監視を停止し、データベース接続を閉じる。
func (s *Server) Close() error {
	s.stopWatch()
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
// ゲートウェイ自身のエンドポイント以外はすべてルートテーブルに従って転送する。
func (s *Server) setupRoutes() {
	s.router.POST("/auth/token", s.handleIssueToken())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", metrics.Handler())

	s.router.NoRoute(s.handleForward())
}

// tokenRequest は資格情報発行リクエスト。
type tokenRequest struct {
	Subject string   `json:"subject" binding:"required"`
	Secret  string   `json:"secret" binding:"required"`
	Roles   []string `json:"roles"`
}

// handleIssueToken はサブジェクトを認証して資格情報を発行する。
func (s *Server) handleIssueToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subjectとsecretは必須です"})
			return
		}

		cred, err := s.issuer.Issue(c.Request.Context(), req.Subject, req.Secret, req.Roles)
		if errors.Is(err, credential.ErrAuthentication) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証に失敗しました"})
			return
		}
		if err != nil {
			s.log.WithError(err).Error("資格情報の発行に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "資格情報の発行に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      cred.Token(),
			"subject":    cred.Subject(),
			"roles":      cred.Roles(),
			"issued_at":  cred.IssuedAt(),
			"expires_at": cred.ExpiresAt(),
		})
	}
}

// handleForward はパイプラインでリクエストを処理する。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		ex := &Exchange{Request: c.Request}
		reply := s.pipeline.Handle(ctx, ex)

		route := "unmatched"
		if ex.Route != nil {
			route = ex.Route.rule.PathPattern
		}
		metrics.GatewayRequests.WithLabelValues(route, string(reply.Outcome)).Inc()
		writeReply(c, reply)
	}
}

// writeReply はレスポンスを書き込む。ゲートウェイ起因の失敗には専用ヘッダーを付ける。
func writeReply(c *gin.Context, reply *Reply) {
	for k, vs := range reply.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	if reply.Err != nil {
		c.Header(HeaderGatewayError, "true")
		c.JSON(reply.Status, gin.H{"error": reply.Err.Error(), "source": "gateway"})
		return
	}
	c.Status(reply.Status)
	// ボディが空でもGinの既定404ページで上書きされないよう、ヘッダーを確定させる。
	c.Writer.WriteHeaderNow()
	_, _ = c.Writer.Write(reply.Body)
}
