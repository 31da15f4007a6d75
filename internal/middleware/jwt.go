package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier 校验 Bearer token 并提取 sub 作为 owner ID。
// 支持 HMAC (本地密钥) 和 JWKS (远程公钥，自动刷新)。
type JWTVerifier struct {
	secret string
	jwks   *keyfunc.JWKS
}

// NewJWTVerifier 初始化验证器。jwksURL 为空时只做 HMAC 验证。
func NewJWTVerifier(secret, jwksURL string, logger *log.Logger) (*JWTVerifier, error) {
	v := &JWTVerifier{secret: secret}

	if jwksURL != "" {
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.Printf("jwks refresh failed: %v", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init jwks from %s: %w", jwksURL, err)
		}
		v.jwks = jwks
	}

	if v.secret == "" && v.jwks == nil {
		return nil, fmt.Errorf("jwt auth requires a secret or a JWKS URL")
	}

	return v, nil
}

// Verify 校验 token 并返回 sub claim。Hub 的 authenticate 消息复用同一入口。
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if v.secret != "" {
				return []byte(v.secret), nil
			}
		}
		if v.jwks != nil {
			return v.jwks.Keyfunc(token)
		}
		return nil, fmt.Errorf("no suitable verification method for alg %v", token.Header["alg"])
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token has no sub claim")
	}
	return sub, nil
}

// Close 停止 JWKS 的后台刷新。
func (v *JWTVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// JWTAuth 创建 JWT 鉴权中间件。
// 期望请求头格式：Authorization: Bearer <token>
// 验证成功后将 sub claim 作为 owner_id 存入 context。
func JWTAuth(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "empty token")
				return
			}

			userID, err := verifier.Verify(tokenString)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), OwnerContextKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
