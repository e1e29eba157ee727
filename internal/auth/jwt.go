// Package auth provides bearer-token authentication middleware with metrics.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/metrics"
	"github.com/fruitsalade/workspace-sync/pkg/protocol"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	issuer = "workspace-sync"
)

// Claims holds JWT token claims. The subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the authenticated user's id.
func (c *Claims) UserID() string {
	return c.Subject
}

// RevocationChecker reports whether a token has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenStr string) (bool, error)
}

// Auth handles bearer-token authentication.
type Auth struct {
	secret      []byte
	oidc        *OIDCProvider
	revocations RevocationChecker
}

// New creates a new Auth handler.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// SetOIDCProvider enables OIDC ID tokens as an alternative to local tokens.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// SetRevocationChecker enables revocation checks on every request.
func (a *Auth) SetRevocationChecker(rc RevocationChecker) {
	a.revocations = rc
}

// Middleware returns HTTP middleware that rejects requests without a valid
// token and stores the caller's claims in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.Authenticate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("authentication failed", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Authenticate validates tokenStr as a local JWT, then as an OIDC ID token
// when OIDC is configured, and checks the revocation list.
func (a *Auth) Authenticate(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := a.validateToken(tokenStr)
	if err != nil && a.oidc != nil {
		claims, err = a.oidc.ValidateToken(ctx, tokenStr)
	}
	if err != nil {
		return nil, err
	}

	if a.revocations != nil {
		revoked, err := a.revocations.IsRevoked(ctx, tokenStr)
		if err != nil {
			logging.Error("token revocation check failed", zap.Error(err))
			return nil, fmt.Errorf("revocation check: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("token has been revoked")
		}
	}
	return claims, nil
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// IssueToken signs a token for userID valid for ttl.
func (a *Auth) IssueToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers, so the watch stream accepts a query parameter.
	return r.URL.Query().Get("token")
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
