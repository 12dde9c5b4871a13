package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"rolegate/internal/domain"
	"rolegate/internal/logging"
)

const (
	permRunsRead      = "runs.read"
	permRunsWrite     = "runs.write"
	permEscalations   = "escalations.write"
	permGates         = "gates.write"
	permMemoryRead    = "memory.read"
	permMemoryCompact = "memory.compact"
	permEventsRead    = "events.read"
)

type AuthConfig struct {
	JWTSecret string
	// AllowAnonymous admits unauthenticated requests as a full-access
	// operator when no secret is configured.
	AllowAnonymous bool
	Logger         *zap.Logger

	warnOnce *sync.Once
}

type Principal struct {
	Subject     string
	Roles       []string
	Permissions []string
	Source      string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger { return logging.OrNop(c.Logger) }

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalSubject(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(perm, prefix+".") {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, perm string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.Subject == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !hasPermission(p.Permissions, perm) {
		return newAPIError(http.StatusForbidden, "forbidden", "missing permission "+perm, map[string]any{"permission": perm})
	}
	return nil
}

// requireRole checks that the principal may act as a pipeline role. An empty
// roles claim places no restriction.
func requireRole(ctx context.Context, role domain.RoleID) huma.StatusError {
	p, _ := principalFromContext(ctx)
	if len(p.Roles) == 0 {
		return nil
	}
	for _, r := range p.Roles {
		if r == string(role) || r == "*" {
			return nil
		}
	}
	return newAPIError(http.StatusForbidden, "forbidden", "principal may not act as role "+string(role), map[string]any{"role": role})
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		Subject:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// IssueToken signs an HS256 token for subject. A zero ttl issues a token
// without expiry; nil permissions grant full access.
func IssueToken(secret, subject string, roles, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if permissions == nil {
		permissions = []string{"*"}
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "rolegate",
		},
		Roles:       roles,
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "metrics"):      true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "openapi.json"): true,
	}
	if cfg.warnOnce == nil {
		cfg.warnOnce = &sync.Once{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if cfg.AllowAnonymous && strings.TrimSpace(cfg.JWTSecret) == "" {
				cfg.warnOnce.Do(func() {
					cfg.logger().Warn("serving unauthenticated requests; set ROLEGATE_JWT_SECRET to require tokens")
				})
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{
					Subject:     "anonymous",
					Permissions: []string{"*"},
					Source:      "anonymous",
				})))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
