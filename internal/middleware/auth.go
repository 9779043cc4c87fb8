// Package middleware provides HTTP middleware for the pool API
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// AccountHeader names the caller when JWT verification is disabled.
const AccountHeader = "X-Account"

type contextKey string

const callerKey contextKey = "caller"

// Claims represents JWT claims. The subject is the caller's ledger account.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware resolves the caller of each request from an HS256 bearer
// token. Reads may be anonymous; writes require a caller.
type AuthMiddleware struct {
	secret      []byte
	issuer      string
	logger      *logger.Logger
	skipPrefix  []string
	allowHeader bool
}

// NewAuthMiddleware creates a new authentication middleware. Requests whose
// path starts with one of skipPrefixes are passed through untouched.
func NewAuthMiddleware(secret []byte, issuer string, log *logger.Logger, skipPrefixes []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{
		secret:     secret,
		issuer:     issuer,
		logger:     log,
		skipPrefix: skipPrefixes,
	}
}

// AllowAccountHeader trusts the X-Account header when no secret is
// configured. Development only.
func (m *AuthMiddleware) AllowAccountHeader() {
	m.allowHeader = true
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.skipPrefix {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if len(m.secret) == 0 && m.allowHeader {
			caller := strings.TrimSpace(r.Header.Get(AccountHeader))
			if caller == "" && !readOnly(r) {
				m.respondError(w, r, errors.Unauthorized("missing X-Account header"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if readOnly(r) {
				next.ServeHTTP(w, r)
				return
			}
			m.respondError(w, r, errors.Unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := WithCaller(r.Context(), claims.Subject)
		m.logger.WithContext(ctx).WithField("caller", claims.Subject).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.Unauthorized("token verification is not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("authentication failed", err)
	}
	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("authentication failed")
}

// IssueToken signs an HS256 token for subject. Used by operators and tests.
func IssueToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// GetCaller extracts the caller from context
func GetCaller(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

// RequireCaller rejects requests without an authenticated caller.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetCaller(r.Context()) == "" {
			httputil.WriteError(w, r, errors.Unauthorized("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OracleAuth guards the randomness callback with a shared API key.
type OracleAuth struct {
	key    []byte
	logger *logger.Logger
}

// NewOracleAuth creates the guard. An empty key rejects every callback.
func NewOracleAuth(key string, log *logger.Logger) *OracleAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &OracleAuth{key: []byte(key), logger: log}
}

// Handler returns the middleware handler
func (o *OracleAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(httputil.APIKeyHeader))
		if len(o.key) == 0 || subtle.ConstantTimeCompare(presented, o.key) != 1 {
			o.logger.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("oracle callback rejected")
			httputil.WriteError(w, r, errors.Unauthorized("invalid oracle key"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), "oracle")))
	})
}

func readOnly(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions
}
