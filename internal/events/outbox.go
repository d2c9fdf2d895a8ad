package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

// statusTimeout bounds the write that records a delivery outcome.
const statusTimeout = 5 * time.Second

// OutboxHandler consumes a durable event. Handlers must tolerate redelivery.
type OutboxHandler func(ctx context.Context, ev *model.OutboxEvent) error

// OutboxConfig tunes delivery.
type OutboxConfig struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
	// Wake, when set, triggers an immediate drain (Postgres NOTIFY).
	Wake <-chan struct{}
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// Outbox persists events and delivers them to registered handlers at least
// once. Handler failures are recorded on the row rather than lost.
type Outbox struct {
	store  store.OutboxStore
	cfg    OutboxConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]OutboxHandler
}

// NewOutbox creates an outbox backed by st.
func NewOutbox(st store.OutboxStore, cfg OutboxConfig, logger *slog.Logger) *Outbox {
	return &Outbox{
		store:    st,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("consumer", uuid.NewString()),
		handlers: make(map[string][]OutboxHandler),
	}
}

// Handle registers h for events of eventType, or for every type with Wildcard.
func (o *Outbox) Handle(eventType string, h OutboxHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[eventType] = append(o.handlers[eventType], h)
}

// Enqueue persists a pending event and returns its id.
func (o *Outbox) Enqueue(ctx context.Context, eventType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode outbox payload: %w", err)
	}
	now := time.Now().UTC()
	ev := &model.OutboxEvent{
		ID:        model.NewID(),
		Type:      eventType,
		Payload:   data,
		Status:    model.OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.EnqueueOutbox(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Bridge persists bus events whose kind is listed in kinds. Enqueue failures
// are logged and the bridge stays subscribed.
func (o *Outbox) Bridge(b *Bus, kinds []string) func() {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	return b.Subscribe(Wildcard, func(ev model.Event) error {
		if !want[ev.Kind] {
			return nil
		}
		if _, err := o.Enqueue(context.Background(), ev.Kind, ev); err != nil {
			o.logger.Error("outbox enqueue failed", "event", ev.Kind, "execution_id", ev.ExecutionID, "error", err)
		}
		return nil
	})
}

// Run drains the outbox until ctx is cancelled, waking on the poll interval
// or on the configured wake channel.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Drain(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.cfg.Wake:
		}
	}
}

// Drain claims pending events batch by batch and delivers them. It returns the
// number of events processed.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := o.store.ClaimOutbox(ctx, o.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, ev := range batch {
			o.dispatch(ctx, ev)
		}
		total += len(batch)
		if len(batch) < o.cfg.BatchSize {
			return total, nil
		}
	}
}

func (o *Outbox) dispatch(ctx context.Context, ev *model.OutboxEvent) {
	o.mu.RLock()
	hs := append(append([]OutboxHandler(nil), o.handlers[ev.Type]...), o.handlers[Wildcard]...)
	o.mu.RUnlock()

	var failure error
	for _, h := range hs {
		if err := invoke(ctx, h, ev); err != nil {
			failure = err
			break
		}
	}

	// The outcome is written even when ctx was cancelled during delivery,
	// otherwise the event would sit in processing until its visibility expires.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()

	if failure == nil {
		if err := o.store.CompleteOutbox(wctx, ev.ID); err != nil {
			o.logger.Error("outbox complete failed", "outbox_id", ev.ID, "error", err)
		}
		return
	}

	retry := ev.Attempts < o.cfg.MaxAttempts
	o.logger.Warn("outbox delivery failed",
		"outbox_id", ev.ID, "type", ev.Type, "attempts", ev.Attempts, "retry", retry, "error", failure)
	if err := o.store.FailOutbox(wctx, ev.ID, failure.Error(), retry); err != nil {
		o.logger.Error("outbox fail update failed", "outbox_id", ev.ID, "error", err)
	}
}

func invoke(ctx context.Context, h OutboxHandler, ev *model.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// WebhookHandler posts the event payload to url. The outbox id is sent as the
// Idempotency-Key so receivers can drop redeliveries.
func WebhookHandler(client *http.Client, url string) OutboxHandler {
	return func(ctx context.Context, ev *model.OutboxEvent) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(ev.Payload))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", ev.ID)
		req.Header.Set("X-Forge-Event", ev.Type)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
