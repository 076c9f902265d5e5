package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"carwash/pkg/utils"
)

const (
	// AuthorizationHeader 认证头部名称
	AuthorizationHeader = "Authorization"
	// BearerPrefix Bearer前缀
	BearerPrefix = "Bearer "
	// SubjectKey 调用方身份在上下文中的键
	SubjectKey = "auth_subject"
)

var errSigningMethod = errors.New("invalid signing method")

// ServiceAuth 校验后端服务签发的HS256 token
func ServiceAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			utils.Error(c, utils.CodeUnauthorized, "Invalid authorization header format")
			return
		}

		token := strings.TrimPrefix(authHeader, BearerPrefix)
		if token == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errSigningMethod
			}
			return key, nil
		})
		if err != nil {
			utils.Error(c, utils.CodeUnauthorized, "Invalid token")
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}

// GetSubject 从上下文获取调用方身份
func GetSubject(c *gin.Context) (string, bool) {
	v, ok := c.Get(SubjectKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
