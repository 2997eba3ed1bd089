package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultTokenTTL = 24 * time.Hour

var errNoVerificationKey = errors.New("no suitable verification method")

type headerTransport struct {
	T   http.RoundTripper
	Key string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("apikey", t.Key)
	if t.T == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.T.RoundTrip(req)
}

// AuthConfig 是 Authenticator 的配置。
type AuthConfig struct {
	Secret string
	TTL    time.Duration
	// JWKSURL 非空时额外接受由该密钥集签名的 RS256/ES256 令牌。
	JWKSURL    string
	JWKSAPIKey string
	Logger     zerolog.Logger
}

// Authenticator 签发并校验访问令牌。
// 本地令牌使用 HS256，JWKS 可用时同时接受外部签发的非对称令牌。
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	jwks   *keyfunc.JWKS
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthenticator 创建鉴权器。JWKS 初始化失败只记录警告，HS256 仍然可用。
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	a := &Authenticator{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    time.Now,
	}
	if a.ttl <= 0 {
		a.ttl = defaultTokenTTL
	}

	if cfg.JWKSURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		if cfg.JWKSAPIKey != "" {
			client.Transport = &headerTransport{Key: cfg.JWKSAPIKey}
		}

		// 初始化 JWKS，包含自动刷新
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Client:          client,
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				a.logger.Error().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("JWKS refresh failed")
			},
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("JWKS init failed, only HS256 tokens will be accepted")
		} else {
			a.jwks = jwks
			a.logger.Info().Str("jwks_url", cfg.JWKSURL).Msg("JWKS initialized")
		}
	}
	return a, nil
}

// Close 停止 JWKS 的后台刷新。
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Issue 为用户签发 HS256 令牌。
func (a *Authenticator) Issue(userID string) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify 校验令牌并返回 sub。
func (a *Authenticator) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyfunc,
		jwt.WithValidMethods([]string{"HS256", "RS256", "ES256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func (a *Authenticator) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		return a.secret, nil
	}
	// 只有当 JWKS 初始化成功时才尝试使用 keyfunc
	if a.jwks != nil {
		return a.jwks.Keyfunc(token)
	}
	return nil, errNoVerificationKey
}

// Require 要求请求携带有效令牌。
func (a *Authenticator) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}
			userID, err := a.Verify(tokenString)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("token rejected")
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r, userID)))
		})
	}
}

// Optional 在令牌有效时注入用户 ID，缺失或无效时按匿名请求处理。
func (a *Authenticator) Optional() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := a.Verify(tokenString)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("optional token ignored")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r, userID)))
		})
	}
}

func withUser(r *http.Request, userID string) context.Context {
	ctx := r.Context()
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		l.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", userID)
		})
	}
	return WithUserID(ctx, userID)
}
