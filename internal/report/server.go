package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/eventbus"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
	"github.com/nao1215/carebridge/pkg/middleware"
)

// defaultDeadLetterLimit はデッドレター一覧のデフォルト件数。
const defaultDeadLetterLimit = 50

// Server はレポートサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// projection は登録イベントの集計。
	projection *Projection
	// consumer はイベントストリームの購読。
	consumer *eventbus.Consumer
	// deadLetters はデッドレターの参照先。
	deadLetters *eventbus.SQLDeadLetterSink

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func() error
	log     *logrus.Entry
}

// Options はServerの構成要素。
type Options struct {
	Port          string
	DB            *sql.DB
	Broker        eventbus.Broker
	ConsumerGroup string
	// DeadLetters はデッドレターの送り先。nilならSQLiteのみに保存する。
	DeadLetters         eventbus.DeadLetterSink
	ConsumerMaxAttempts int
	Validator           middleware.TokenValidator
}

// NewServer は設定からレポートサーバーを生成する。
// 購読の開始はStartで行う。
func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	sqlDB, err := database.OpenSQLite(cfg.DBPath("report"))
	if err != nil {
		return nil, err
	}
	if err := eventbus.Migrate(context.Background(), sqlDB, log); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	broker, err := eventbus.NewBroker(cfg.Events, "carebridge-report", log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	_, sink, closeSink, err := eventbus.NewDeadLetterSink(sqlDB, cfg.Events)
	if err != nil {
		_ = broker.Close()
		_ = sqlDB.Close()
		return nil, err
	}

	s, err := New(Options{
		Port:                cfg.Port,
		DB:                  sqlDB,
		Broker:              broker,
		ConsumerGroup:       cfg.Events.ConsumerGroup,
		DeadLetters:         sink,
		ConsumerMaxAttempts: cfg.Events.ConsumerMaxAttempts,
		Validator:           credential.NewValidator(credential.NewHMACKey([]byte(cfg.Credential.Secret))),
	}, log)
	if err != nil {
		_ = closeSink()
		_ = broker.Close()
		_ = sqlDB.Close()
		return nil, err
	}
	s.closers = []func() error{closeSink, broker.Close}
	return s, nil
}

// New は構成要素からレポートサーバーを生成する。
func New(opts Options, log *logger.Logger) (*Server, error) {
	projection, err := NewProjection(opts.DB, log)
	if err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	local := eventbus.NewSQLDeadLetterSink(opts.DB)
	sink := opts.DeadLetters
	if sink == nil {
		sink = local
	}
	consumer := eventbus.NewConsumer(
		opts.Broker,
		eventbus.NewLedger(opts.DB, opts.ConsumerGroup),
		sink,
		projection.Apply,
		eventbus.ConsumerConfig{MaxAttempts: opts.ConsumerMaxAttempts},
		log,
	)

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))

	s := &Server{
		router:      router,
		port:        opts.Port,
		db:          opts.DB,
		projection:  projection,
		consumer:    consumer,
		deadLetters: local,
		log:         log.Component("report"),
	}
	s.setupRoutes(opts.Validator)
	return s, nil
}

// Start はイベントの購読をバックグラウンドで開始する。
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("イベントの購読が停止しました")
		}
	}()
	s.log.Info("イベントの購読を開始しました")
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Handler はテストやサーバー組み込み用にHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Projection は集計を返す。
func (s *Server) Projection() *Projection {
	return s.projection
}

// Close は購読を止めてからリソースを閉じる。
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
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
	reports := s.router.Group("/reports")
	reports.Use(middleware.Deadline())
	reports.Use(middleware.Authenticate(v))
	{
		reports.GET("/summary", s.handleSummary())
		reports.GET("/registrations/:patient_id", s.handleRegistration())
		reports.GET("/dead-letters", s.handleDeadLetters())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "report"})
	})
	s.router.GET("/metrics", metrics.Handler())
}

// handleSummary は日次の登録集計を返す。
func (s *Server) handleSummary() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := s.projection.Summary(c.Request.Context())
		if err != nil {
			s.log.WithError(err).Error("集計の取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "集計の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// handleRegistration は患者の集計済み登録を返す。
func (s *Server) handleRegistration() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.projection.Registration(c.Request.Context(), c.Param("patient_id"))
		if errors.Is(err, ErrRegistrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "登録の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// handleDeadLetters は処理できなかったイベントを新しい順に返す。
func (s *Server) handleDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultDeadLetterLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
				return
			}
			limit = n
		}
		dls, err := s.deadLetters.List(c.Request.Context(), limit)
		if err != nil {
			s.log.WithError(err).Error("デッドレターの取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "デッドレターの取得に失敗しました"})
			return
		}
		if dls == nil {
			dls = []eventbus.DeadLetter{}
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": dls, "count": len(dls)})
	}
}
