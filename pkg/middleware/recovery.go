package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/carebridge/pkg/logger"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時に内容をログに出力し、500エラーを返す。
func Recovery(log *logger.Logger) gin.HandlerFunc {
	entry := log.Component("recovery")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				entry.WithField("path", c.Request.URL.Path).
					WithField("method", c.Request.Method).
					Errorf("[PANIC] %v", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "内部サーバーエラーが発生しました",
				})
			}
		}()
		c.Next()
	}
}
