package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"ppscore/internal/engine"
	"ppscore/internal/repo"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[map[string]string], error) {
		return out(map[string]string{"status": "ok"}), nil
	})
}

type eventQuery struct {
	Type       string `query:"type"`
	EntityKind string `query:"entity_kind"`
	EntityID   string `query:"entity_id"`
	Limit      int    `query:"limit" default:"50"`
	Cursor     string `query:"cursor" doc:"id of the last event of the previous page"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through the event log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, in *eventQuery) (*bodyOut[paginatedEvents], error) {
		f := repo.EventFilter{Type: in.Type, EntityKind: in.EntityKind, EntityID: in.EntityID}
		if in.Cursor != "" {
			before, err := strconv.ParseInt(in.Cursor, 10, 64)
			if err != nil || before <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": in.Cursor})
			}
			f.Before = before
		}
		limit := normalizeLimit(in.Limit)
		// one extra row tells whether another page exists
		f.Limit = limit + 1
		events, err := e.Repo.LatestEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		page := paginatedEvents{Items: make([]EventResponse, 0, min(len(events), limit))}
		if len(events) > limit {
			events = events[:limit]
			page.NextCursor = strconv.FormatInt(events[limit-1].ID, 10)
		}
		for _, evt := range events {
			page.Items = append(page.Items, eventResponse(evt))
		}
		return out(page), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, errAuthRequired()
		}
		return out(WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a short-lived bearer token for local tooling",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, in *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOut[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		actorID := strings.TrimSpace(in.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id is required", nil)
		}
		token, err := signDevToken(cfg.JWTSecret, actorID, in.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return out(DevLoginResponse{Token: token}), nil
	})
}
