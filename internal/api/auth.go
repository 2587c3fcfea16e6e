package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/telemetry"
)

const (
	roleMember = models.RoleMember
	roleAdmin  = models.RoleAdmin
)

// Claims carry the caller's tenant and role. Subject is the user id.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

type claimsKey struct{}

// IssueToken signs an HS256 bearer token, used by operator tooling and tests.
func IssueToken(secret, userID, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID: tenantID,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	})
	return t.SignedString([]byte(secret))
}

func parseToken(secret, raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// authenticate requires a valid bearer token. Without a configured secret every request is refused.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || s.cfg.JWTSecret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := parseToken(s.cfg.JWTSecret, strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func requireRole(min string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := claimsFrom(r.Context())
			if c == nil || models.RoleRank(c.Role) < models.RoleRank(min) || models.RoleRank(c.Role) == 0 {
				writeError(w, http.StatusForbidden, "insufficient_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies a per-client-IP token bucket under scope.
func (s *Server) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			d, err := s.limiter.Allow(r.Context(), ratelimit.Key(scope, clientIP(r)))
			if err != nil {
				s.logger.WithError(err).Warn("rate limiter unavailable")
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func secretMatches(configured, received string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(received)) == 1
}
