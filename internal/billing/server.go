package billing

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/carebridge/pkg/billingrpc"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
	"github.com/nao1215/carebridge/pkg/middleware"
)

// maxRequestSize はRPCリクエストボディの最大サイズ。
const maxRequestSize = 1 << 20

// Server は課金サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// service は課金処理本体。
	service *Service
}

// NewServer は新しい課金サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	sqlDB, err := database.OpenSQLite(cfg.DBPath("billing"))
	if err != nil {
		return nil, err
	}
	s, err := newServer(cfg.Port, sqlDB, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func newServer(port string, sqlDB *sql.DB, log *logger.Logger) (*Server, error) {
	service, err := NewService(sqlDB, log)
	if err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))

	s := &Server{
		router:  router,
		port:    port,
		db:      sqlDB,
		service: service,
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

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// RPCメソッド
	s.router.POST(billingrpc.PathCharge, s.handleCharge())
	s.router.POST(billingrpc.PathVoid, s.handleVoid())

	// 課金の参照
	s.router.GET("/charges/:id", s.handleGetCharge())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "billing"})
	})
	s.router.GET("/metrics", metrics.Handler())
}

// handleCharge は課金RPCを処理する。
func (s *Server) handleCharge() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req billingrpc.ChargeRequest
		if !decodeRequest(c, &req) {
			return
		}
		writeResponse(c, s.service.Charge(c.Request.Context(), req))
	}
}

// handleVoid は取消RPCを処理する。
func (s *Server) handleVoid() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req billingrpc.VoidRequest
		if !decodeRequest(c, &req) {
			return
		}
		writeResponse(c, s.service.Void(c.Request.Context(), req))
	}
}

// handleGetCharge は課金をJSONで返す。
func (s *Server) handleGetCharge() gin.HandlerFunc {
	return func(c *gin.Context) {
		charge, err := s.service.GetCharge(c.Request.Context(), c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "課金が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "課金の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"charge_id":    charge.ChargeID,
			"patient_id":   charge.PatientID,
			"amount_cents": charge.AmountCents,
			"currency":     charge.Currency,
			"state":        charge.State,
			"processed_at": charge.ProcessedAt,
		})
	}
}

// decodeRequest はMessagePackのリクエストボディを読み取る。
// 失敗した場合はREJECTEDを書き込んでfalseを返す。
func decodeRequest(c *gin.Context, v any) bool {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestSize))
	if err == nil {
		err = billingrpc.Unmarshal(body, v)
	}
	if err != nil {
		writeResponse(c, billingrpc.Rejected(billingrpc.CodeBadRequest, "リクエストを解釈できません"))
		return false
	}
	return true
}

// writeResponse はステータスに対応するHTTPステータスでレスポンスを書き込む。
func writeResponse(c *gin.Context, resp *billingrpc.Response) {
	status := http.StatusOK
	switch resp.Status {
	case billingrpc.StatusRejected:
		status = http.StatusUnprocessableEntity
	case billingrpc.StatusUnavailable:
		status = http.StatusServiceUnavailable
	}
	b, err := billingrpc.Marshal(resp)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, billingrpc.ContentType, b)
}
