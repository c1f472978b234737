package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderDeadline はリクエストの期限（RFC3339Nano）を伝播するHTTPヘッダーキー。
const HeaderDeadline = "X-Request-Deadline"

// FormatDeadline は期限をヘッダー値に変換する。
func FormatDeadline(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Deadline は上流から伝播された期限をリクエストコンテキストに適用するGinミドルウェアを返す。
// 期限がすでに過ぎている場合は処理を行わずに504を返す。
func Deadline() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderDeadline)
		if raw == "" {
			c.Next()
			return
		}

		deadline, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "期限ヘッダーの形式が不正です",
			})
			return
		}
		if !time.Now().Before(deadline) {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
				"error": "リクエストの期限を過ぎています",
			})
			return
		}

		ctx, cancel := context.WithDeadline(c.Request.Context(), deadline)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
