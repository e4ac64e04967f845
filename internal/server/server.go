package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ppscore/internal/engine"
)

const (
	defaultBasePath  = "/v1"
	defaultPageSize  = 50
	maxPageSize      = 500
	maxBufferedBytes = 8 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

func (c Config) basePath() string {
	p := strings.TrimRight(c.BasePath, "/")
	switch {
	case p == "":
		return defaultBasePath
	case p[0] != '/':
		return "/" + p
	}
	return p
}

// New returns an HTTP handler exposing the planning API.
func New(cfg Config) (http.Handler, error) {
	base := cfg.basePath()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	installErrorFactories()

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(accessLog(cfg.Logger), bufferBody, newAuthMiddleware(base, cfg.Auth))

	hcfg := huma.DefaultConfig("PPS Scheduling API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	v1 := huma.NewGroup(api, base)

	registerHealth(v1)
	registerTodos(v1, cfg.Engine)
	registerDependencies(v1, cfg.Engine)
	registerConflicts(v1, cfg.Engine)
	registerGantt(v1, cfg.Engine)
	registerResources(v1, cfg.Engine)
	registerEvents(v1, cfg.Engine)
	registerMe(v1)
	registerDevAuth(v1, cfg.Auth)
	mountDocs(router, api, base)

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.Status(),
				"duration_ms", time.Since(began).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type rawBodyKey struct{}

// bufferBody keeps a copy of the request body so handlers can tell an
// absent field from an explicit null.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBytes))
		r.Body.Close()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "", "unreadable request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, raw)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(rawBodyKey{}).([]byte)
	return raw
}

// rawBodyMap returns the top-level fields of the JSON body, or an empty map.
func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	if raw := bodyBytes(ctx); len(raw) > 0 {
		_ = json.Unmarshal(raw, &fields)
	}
	return fields
}

func isNullRaw(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func normalizeLimit(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}
