package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	devTokenTTL    = 12 * time.Hour
	devTokenIssuer = "pps-dev"
	actorHeader    = "X-Actor-Id"
)

var errNoSecret = errors.New("jwt secret not configured")

// AuthConfig controls how API callers are identified. Bearer tokens are
// HS256 JWTs whose subject is the actor id. AllowLegacyActorHeader lets
// trusted local tools send X-Actor-Id instead.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

// Principal is the authenticated caller. Source is "jwt" or "legacy_header".
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", errAuthRequired()
	}
	return p.ActorID, nil
}

func errAuthRequired() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type devClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// signDevToken mints an HS256 token for local tooling.
func signDevToken(secret, actorID string, roles []string, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	claims := devClaims{Roles: roles}
	claims.Subject = actorID
	claims.Issuer = devTokenIssuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(devTokenTTL))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifyToken(raw, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errNoSecret
	}
	var claims devClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

// publicRoutes are reachable without credentials.
func publicRoutes(base string) map[string]bool {
	return map[string]bool{
		path.Join(base, "health"):         true,
		path.Join(base, "auth/dev/login"): true,
		path.Join(base, "openapi.json"):   true,
	}
}

type authenticator struct {
	cfg    AuthConfig
	base   string
	public map[string]bool
	log    *slog.Logger
}

// identify resolves the caller of r. An Authorization header always wins
// over the actor header, even when the token is bad.
func (a authenticator) identify(r *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, errBadCredentials()
		}
		p, err := verifyToken(token, a.cfg.JWTSecret)
		if err != nil {
			a.log.Debug("rejected bearer token", "err", err)
			return Principal{}, errBadCredentials()
		}
		return p, nil
	}
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.log.Warn("request authenticated by X-Actor-Id header only", "actor_id", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, errAuthRequired()
}

func newAuthMiddleware(base string, cfg AuthConfig) func(http.Handler) http.Handler {
	a := authenticator{cfg: cfg, base: base, public: publicRoutes(base), log: cfg.Logger}
	if a.log == nil {
		a.log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, a.base) || a.public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			p, apiErr := a.identify(r)
			if apiErr != nil {
				respondStatusError(w, apiErr)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
