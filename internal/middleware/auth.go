package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// UserContextKey 是存储在 context 中的用户 ID 的键。
type UserContextKey struct{}

var (
	errMissingToken = errors.New("missing Authorization header")
	errBadScheme    = errors.New("invalid Authorization format, expected: Bearer <token>")
	errEmptyToken   = errors.New("empty token")
)

// WithUserID 返回携带已认证用户 ID 的 context。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey{}, userID)
}

// GetUserID 从 context 中获取经过鉴权的用户 ID，匿名请求返回空字符串。
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserContextKey{}).(string); ok {
		return v
	}
	return ""
}

// bearerToken 解析 Authorization: Bearer <token>。
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingToken
	}

	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", errBadScheme
	}

	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="DecenData API"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
