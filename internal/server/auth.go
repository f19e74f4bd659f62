package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// AgentHeader carries the self-reported identity of the calling agent.
const AgentHeader = "X-Agent-Name"

// AuthConfig gates service access. With an empty JWTSecret every request is
// admitted and identity comes from AgentHeader alone.
type AuthConfig struct {
	JWTSecret string
	Logger    zerolog.Logger
}

// Principal is the caller as seen by handlers.
type Principal struct {
	Agent  string
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// callerFromContext returns the calling agent or a 401 when none was named.
func callerFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Agent != "" {
		return p.Agent, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "agent identity required; set the "+AgentHeader+" header", nil)
}

// requireSelf rejects calls that act on another agent's own state.
func requireSelf(ctx context.Context, name string) (string, huma.StatusError) {
	caller, authErr := callerFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if caller != name {
		return "", newAPIError(http.StatusForbidden, "PermissionDenied", caller+" cannot act on behalf of "+name,
			map[string]any{"caller": caller, "target": name})
	}
	return caller, nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// authenticateJWT verifies an HS256 service token. The subject, when set,
// stands in for AgentHeader.
func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{Agent: claims.Subject, Source: "jwt"}, nil
}

// IssueToken signs a service token for subject. An empty subject yields a
// token that admits any self-reported agent.
func IssueToken(secret, subject string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject, Issuer: "raidline"}}
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
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			principal := Principal{Agent: strings.TrimSpace(req.Header.Get(AgentHeader)), Source: "header"}
			if req.URL.Path == healthPath || req.URL.Path == specPath || cfg.JWTSecret == "" {
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "bearer token required", nil))
				return
			}
			tokenPrincipal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.Logger.Warn().Err(err).Str("path", req.URL.Path).Msg("rejected service token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if tokenPrincipal.Agent != "" {
				if principal.Agent != "" && principal.Agent != tokenPrincipal.Agent {
					respondStatusError(w, newAPIError(http.StatusForbidden, "PermissionDenied", "token subject does not match "+AgentHeader,
						map[string]any{"subject": tokenPrincipal.Agent, "agent": principal.Agent}))
					return
				}
				principal = tokenPrincipal
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
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
