package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// WebhookDispatcher polls the event log and forwards new events to the
// configured HTTP targets. Cursors are keyed by target URL so a config
// reload keeps delivery positions for targets that survive the swap,
// and a failing endpoint never holds the others back.
type WebhookDispatcher struct {
	engine engine.Engine
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	hooks   []config.Webhook
	cursors map[string]int64
}

func NewWebhookDispatcher(e engine.Engine, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		engine:  e,
		logger:  logger,
		client:  &http.Client{Timeout: webhookTimeout},
		cursors: map[string]int64{},
	}
}

// SetWebhooks replaces the target list. Safe to call while Run is
// polling; the next tick picks the new list up.
func (d *WebhookDispatcher) SetWebhooks(hooks []config.Webhook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append([]config.Webhook(nil), hooks...)
}

// Run polls until ctx is done. It always returns nil so a shared
// errgroup does not treat shutdown as a failure.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

func (d *WebhookDispatcher) snapshot() []config.Webhook {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]config.Webhook(nil), d.hooks...)
}

func (d *WebhookDispatcher) dispatch(ctx context.Context) {
	for _, hook := range d.snapshot() {
		if hook.URL == "" {
			continue
		}
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		cursor, err := d.cursorFor(ctx, hook.URL)
		if err != nil {
			d.logger.Warn("webhook cursor init failed", "url", hook.URL, "error", err)
			continue
		}
		events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor)
		if err != nil {
			d.logger.Warn("webhook event poll failed", "url", hook.URL, "error", err)
			continue
		}
		filter := newEventFilter(hook.Kinds)
		for _, evt := range events {
			if filter.match(evt.Kind) {
				if err := d.postEvent(ctx, hook, evt); err != nil {
					// Cursor stays before this event; retried next tick.
					d.logger.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
					break
				}
			}
			d.setCursor(hook.URL, evt.ID)
		}
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, url string) (int64, error) {
	d.mu.Lock()
	cursor, ok := d.cursors[url]
	d.mu.Unlock()
	if ok {
		return cursor, nil
	}
	// New targets start at the log head: configuring a webhook must not
	// replay the whole history into it.
	latest, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.cursors[url]; ok {
		return existing, nil
	}
	d.cursors[url] = latest
	return latest, nil
}

func (d *WebhookDispatcher) setCursor(url string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors[url] = id
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Kind       string          `json:"kind"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entity_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	CreatedAt  string          `json:"created_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func webhookEventFrom(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:        evt.ID,
		Kind:      evt.Kind,
		Entity:    evt.Entity,
		EntityID:  evt.EntityID,
		Actor:     evt.Actor,
		CreatedAt: evt.CreatedAt,
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			out.Payload = json.RawMessage(evt.Payload)
		} else {
			out.PayloadRaw = evt.Payload
		}
	}
	return out
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	body, err := json.Marshal(webhookEventFrom(evt))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tower-Event", evt.Kind)
	req.Header.Set("X-Tower-Delivery", fmt.Sprintf("%d", evt.ID))
	if hook.Secret != "" {
		req.Header.Set("X-Tower-Secret", hook.Secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
