package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/billingrpc"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/eventbus"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
	"github.com/nao1215/carebridge/pkg/middleware"
)

// shutdownTimeout は停止時に未送信イベントを送り切るまで待つ時間。
const shutdownTimeout = 10 * time.Second

// Server は患者サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// service は患者の登録処理。
	service *Service
	// closers は停止時に順に閉じるリソース。
	closers []func(ctx context.Context) error
	log     *logrus.Entry
}

// Options はServerの構成要素。
type Options struct {
	Port      string
	DB        *sql.DB
	Billing   BillingClient
	Publisher EventPublisher
	Validator middleware.TokenValidator
}

// NewServer は設定から患者サーバーを生成する。
// SQLiteデータベース、イベントの発行、課金サービスのクライアントを初期化する。
func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	sqlDB, err := database.OpenSQLite(cfg.DBPath("patient"))
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := eventbus.Migrate(ctx, sqlDB, log); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	broker, err := eventbus.NewBroker(cfg.Events, "carebridge-patient", log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	publisher, err := eventbus.NewPublisher(ctx, broker, sqlDB, eventbus.PublisherConfig{
		MaxRetries: cfg.Events.PublishMaxRetries,
	}, log)
	if err != nil {
		_ = broker.Close()
		_ = sqlDB.Close()
		return nil, err
	}

	billing := billingrpc.NewClient(billingrpc.ClientConfig{
		BaseURL:        cfg.Services.Billing,
		MaxRetries:     cfg.RPC.MaxRetries,
		BaseBackoff:    cfg.RPC.BaseBackoff,
		MaxBackoff:     cfg.RPC.MaxBackoff,
		AttemptTimeout: cfg.RPC.AttemptTimeout,
	}, log)

	s, err := New(Options{
		Port:      cfg.Port,
		DB:        sqlDB,
		Billing:   billing,
		Publisher: publisher,
		Validator: credential.NewValidator(credential.NewHMACKey([]byte(cfg.Credential.Secret))),
	}, log)
	if err != nil {
		_ = publisher.Close(ctx)
		_ = broker.Close()
		_ = sqlDB.Close()
		return nil, err
	}
	// 未送信イベントを送り切ってからブローカーを閉じる。
	s.closers = []func(context.Context) error{
		publisher.Close,
		func(context.Context) error { return broker.Close() },
	}
	return s, nil
}

// New は構成要素から患者サーバーを生成する。
func New(opts Options, log *logger.Logger) (*Server, error) {
	service, err := NewService(opts.DB, opts.Billing, opts.Publisher, log)
	if err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))

	s := &Server{
		router:  router,
		port:    opts.Port,
		db:      opts.DB,
		service: service,
		log:     log.Component("patient"),
	}
	s.setupRoutes(opts.Validator)
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

// Close は未送信イベントの送信を待ってからリソースを閉じる。
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, c := range s.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(v middleware.TokenValidator) {
	patients := s.router.Group("/patients")
	patients.Use(middleware.Deadline())
	patients.Use(middleware.Authenticate(v))
	{
		patients.POST("", s.handleRegister())
		patients.GET("/:id", s.handleGet())
		patients.GET("/:id/saga", s.handleGetSaga())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "patient"})
	})
	s.router.GET("/metrics", metrics.Handler())
}

// registerRequest は患者登録リクエスト。
type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	FeeCents int64  `json:"registration_fee_cents"`
	Currency string `json:"currency"`
}

// handleRegister は患者を登録する。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nameは必須です"})
			return
		}
		if req.Currency == "" {
			req.Currency = "JPY"
		}

		p, err := s.service.Register(c.Request.Context(), RegisterRequest{
			Name:         req.Name,
			FeeCents:     req.FeeCents,
			Currency:     req.Currency,
			RegisteredBy: middleware.GetSubject(c),
		})
		switch {
		case err == nil:
			c.JSON(http.StatusCreated, p)
		case errors.Is(err, ErrRegistrationRejected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "patient": p})
		case errors.Is(err, ErrBillingUnavailable):
			s.log.WithError(err).Warn("課金サービスが利用できないため登録を失敗としました")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrBillingUnavailable.Error(), "patient": p})
		case errors.Is(err, ErrRegistrationNotRecorded):
			s.log.WithError(err).Error("課金後に登録を記録できませんでした")
			c.JSON(http.StatusInternalServerError, gin.H{"error": ErrRegistrationNotRecorded.Error(), "patient": p})
		default:
			s.log.WithError(err).Error("患者の登録に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "患者の登録に失敗しました"})
		}
	}
}

// handleGet は患者を返す。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.service.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrPatientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "患者の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// handleGetSaga は患者の登録Sagaをステップ履歴付きで返す。
func (s *Server) handleGetSaga() gin.HandlerFunc {
	return func(c *gin.Context) {
		saga, err := s.service.Saga(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrPatientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Sagaの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, saga)
	}
}
