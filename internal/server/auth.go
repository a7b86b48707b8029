package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// WebhookToken is the shared bearer credential of the external engine. Engine
	// credentials stored in the database are accepted as well.
	WebhookToken string
	Logger       *slog.Logger
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// MintToken signs an operator JWT for actorID.
func MintToken(secret, issuer, actorID string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	claims.Subject = actorID
	if claims.Issuer == "" {
		claims.Issuer = issuer
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{RegisteredClaims: claims, Roles: roles})
	return tok.SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	if claims.Subject == domain.SystemActor {
		return auth.Principal{}, errors.New("reserved subject")
	}
	return auth.Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// authenticateCredential resolves a hashed key of the given kind.
func authenticateCredential(ctx context.Context, r repo.Repo, key, kind string) (domain.Credential, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Credential{}, errors.New("credential required")
	}
	cred, err := r.GetCredentialByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return domain.Credential{}, err
	}
	if cred.Kind != kind {
		return domain.Credential{}, errors.New("credential kind mismatch")
	}
	if cred.ActorID == "" {
		return domain.Credential{}, errors.New("credential missing actor")
	}
	return cred, nil
}

// authenticateEngine accepts the configured shared token or a stored engine credential.
// Engine deliveries act as the system principal.
func authenticateEngine(ctx context.Context, cfg AuthConfig, r repo.Repo, token string) (auth.Principal, error) {
	if cfg.WebhookToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.WebhookToken)) == 1 {
		return auth.System(), nil
	}
	if _, err := authenticateCredential(ctx, r, token, domain.CredentialEngine); err != nil {
		return auth.Principal{}, err
	}
	return auth.System(), nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	webhookPrefix := path.Join(basePath, "webhooks") + "/"
	invalid := func(w http.ResponseWriter) {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == specPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if strings.HasPrefix(req.URL.Path, webhookPrefix) {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "engine bearer token required", nil))
					return
				}
				principal, err := authenticateEngine(req.Context(), cfg, r, token)
				if err != nil {
					cfg.logger().Warn("webhook authentication failed", "path", req.URL.Path, "remote", req.RemoteAddr)
					invalid(w)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					invalid(w)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					invalid(w)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				cred, err := authenticateCredential(req.Context(), r, apiKeyHeader, domain.CredentialOperator)
				if err != nil {
					invalid(w)
					return
				}
				principal := auth.Principal{ActorID: cred.ActorID}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
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
