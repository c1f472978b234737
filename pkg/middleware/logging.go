package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/sirupsen/logrus"
)

// RequestLogger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	entry := log.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if subject := GetSubject(c); subject != "" {
			fields["subject"] = subject
		}
		if c.Writer.Status() >= 500 {
			entry.WithFields(fields).Warn("リクエスト処理がエラーで終了しました")
			return
		}
		entry.WithFields(fields).Info("リクエストを処理しました")
	}
}
