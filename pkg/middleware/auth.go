package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carebridge/pkg/credential"
)

const (
	// HeaderSubject はゲートウェイが検証済みのサブジェクトを伝播するHTTPヘッダーキー。
	HeaderSubject = "X-Subject"
	// HeaderRoles はゲートウェイが検証済みのロールを伝播するHTTPヘッダーキー（カンマ区切り）。
	HeaderRoles = "X-Roles"

	// contextKeyPrincipal はGinコンテキストに検証済みPrincipalを格納するキー。
	contextKeyPrincipal = "principal"
)

// TokenValidator は資格情報の検証器。credential.Validatorが実装する。
type TokenValidator interface {
	Validate(token string) (credential.Principal, error)
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無いか形式が不正な場合はfalseを返す。
func BearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Authenticate は資格情報を検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにPrincipalを設定する。
func Authenticate(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearerトークンが必要です",
			})
			return
		}

		p, err := v.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "資格情報が無効です",
			})
			return
		}

		c.Set(contextKeyPrincipal, p)
		c.Next()
	}
}

// GetPrincipal はGinコンテキストから検証済みPrincipalを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetPrincipal(c *gin.Context) (credential.Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return credential.Principal{}, false
	}
	p, ok := v.(credential.Principal)
	return p, ok
}

// GetSubject はGinコンテキストからサブジェクトを取得する。
func GetSubject(c *gin.Context) string {
	p, _ := GetPrincipal(c)
	return p.Subject
}
