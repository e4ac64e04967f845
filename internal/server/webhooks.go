package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ppscore/internal/config"
	"ppscore/internal/domain"
	"ppscore/internal/engine"
)

const (
	webhookPollEvery   = 2 * time.Second
	webhookTimeout     = 5 * time.Second
	webhookBatchSize   = 100
	webhookErrBodySize = 4 << 10
)

// webhookEvent is the JSON body posted to a hook for one event.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		// stored payloads are JSON; anything else is forwarded as a string
		quoted, _ := json.Marshal(evt.Payload)
		out.Payload = quoted
	}
	return out
}

// subscriber tracks delivery progress for one configured hook.
type subscriber struct {
	hook    config.WebhookConfig
	accepts map[string]bool
	client  *http.Client
	cursor  int64
	primed  bool
}

func newSubscriber(hook config.WebhookConfig) *subscriber {
	s := &subscriber{hook: hook, client: &http.Client{Timeout: webhookTimeout}}
	if hook.TimeoutSeconds > 0 {
		s.client.Timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	for _, t := range hook.Events {
		if t = strings.TrimSpace(t); t != "" {
			if s.accepts == nil {
				s.accepts = make(map[string]bool)
			}
			s.accepts[t] = true
		}
	}
	return s
}

func (s *subscriber) wants(eventType string) bool {
	return s.accepts == nil || s.accepts[eventType]
}

type webhookDispatcher struct {
	repo interface {
		EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
		LatestEventID(ctx context.Context) (int64, error)
	}
	subs []*subscriber
	log  *slog.Logger
}

// StartWebhooks polls the event log and posts new events to each enabled
// hook until ctx is done. Delivery starts at the end of the log as it was
// when the server came up.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *slog.Logger) {
	if d := newWebhookDispatcher(e, logger); d != nil {
		go d.run(ctx)
	}
}

func newWebhookDispatcher(e engine.Engine, logger *slog.Logger) *webhookDispatcher {
	if e.Config == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{repo: e.Repo, log: logger.With("component", "webhooks")}
	for _, hook := range e.Config.Webhooks {
		if (hook.Enabled != nil && !*hook.Enabled) || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.subs = append(d.subs, newSubscriber(hook))
	}
	if len(d.subs) == 0 {
		return nil
	}
	return d
}

func (d *webhookDispatcher) run(ctx context.Context) {
	tick := time.NewTicker(webhookPollEvery)
	defer tick.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, s := range d.subs {
		if err := d.drain(ctx, s); err != nil {
			d.log.Warn("webhook delivery stalled", "url", s.hook.URL, "cursor", s.cursor, "err", err)
		}
	}
}

// drain delivers one batch to s. A failed post leaves the cursor on the
// previous event so the next tick retries it.
func (d *webhookDispatcher) drain(ctx context.Context, s *subscriber) error {
	if !s.primed {
		last, err := d.repo.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("read log end: %w", err)
		}
		s.cursor, s.primed = last, true
	}
	events, err := d.repo.EventsAfter(ctx, webhookBatchSize, s.cursor)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, evt := range events {
		if s.wants(evt.Type) {
			if err := s.post(ctx, evt); err != nil {
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
		}
		s.cursor = evt.ID
	}
	return nil
}

func (s *subscriber) post(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PPS-Event", evt.Type)
	req.Header.Set("X-PPS-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(s.hook.Secret); secret != "" {
		req.Header.Set("X-PPS-Secret", secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, webhookErrBodySize))
		return fmt.Errorf("hook answered %d: %s", res.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
