package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/observability"
)

const (
	defaultRelayInterval  = 2 * time.Second
	defaultWebhookTimeout = 5 * time.Second
	defaultRelayBatch     = 100
)

// Publisher receives committed events; events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Relay tails the events table and forwards new rows to the event bus and to
// configured webhooks. Each sink keeps its own cursor and starts at the
// newest event, so history is never replayed on restart.
type Relay struct {
	engine   engine.Engine
	bus      Publisher
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
}

// NewRelay returns nil when there is nothing to relay to.
func NewRelay(e engine.Engine, bus Publisher, logger zerolog.Logger) *Relay {
	var hooks []config.WebhookConfig
	if e.Config != nil {
		for _, hook := range e.Config.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			hooks = append(hooks, hook)
		}
	}
	if bus == nil && len(hooks) == 0 {
		return nil
	}
	return &Relay{
		engine:   e,
		bus:      bus,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With().Str("component", "relay").Logger(),
		interval: defaultRelayInterval,
		cursors:  make(map[string]int64),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one delivery pass over every sink.
func (r *Relay) Poll(ctx context.Context) {
	if r.bus != nil {
		r.drain(ctx, "bus", nil, func(evt domain.Event) error {
			return r.bus.Publish(ctx, evt)
		})
	}
	for i, hook := range r.webhooks {
		hook := hook
		r.drain(ctx, fmt.Sprintf("webhook:%d", i), hook.Events, func(evt domain.Event) error {
			return r.postEvent(ctx, hook, evt)
		})
	}
}

// drain delivers events after the sink's cursor in order. A failed delivery
// stops the pass so the event is retried on the next one.
func (r *Relay) drain(ctx context.Context, sink string, types []string, deliver func(domain.Event) error) {
	cursor := r.cursorFor(ctx, sink)
	events, err := r.engine.Repo.EventsAfter(ctx, defaultRelayBatch, cursor)
	if err != nil {
		r.logger.Error().Err(err).Str("sink", sink).Msg("fetch events failed")
		return
	}
	filter := newEventFilter(types)
	kind := strings.SplitN(sink, ":", 2)[0]
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := deliver(evt); err != nil {
				observability.RecordRelay(kind, false)
				r.logger.Warn().Err(err).Str("sink", sink).Int64("event", evt.ID).Msg("delivery failed")
				return
			}
			observability.RecordRelay(kind, true)
		}
		r.setCursor(sink, evt.ID)
	}
}

func (r *Relay) cursorFor(ctx context.Context, sink string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[sink]; ok {
		return cur
	}
	cur, err := r.engine.Repo.LatestEventID(ctx)
	if err != nil {
		r.logger.Error().Err(err).Str("sink", sink).Msg("init cursor failed")
		cur = 0
	}
	r.cursors[sink] = cur
	return cur
}

func (r *Relay) setCursor(sink string, value int64) {
	r.mu.Lock()
	r.cursors[sink] = value
	r.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Instance   string          `json:"instance"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Actor      string          `json:"actor"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (r *Relay) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Instance:   r.engine.Config.Instance,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Actor:      evt.Actor,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := r.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != r.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raidline-Event", evt.Type)
	req.Header.Set("X-Raidline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Raidline-Instance", r.engine.Config.Instance)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Raidline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and prefixes ending in ".*", e.g. "task.*".
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
