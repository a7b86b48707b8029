// Package audit appends AuditEvents after the primary transition has committed.
// A failed append never fails the caller: it is reported on ErrorLog, counted,
// and retried in the background until it lands or the log is closed.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"venturegate/internal/domain"
	"venturegate/internal/telemetry"
)

// Store persists audit events. Inserting an existing id must be a no-op.
type Store interface {
	InsertAuditEvent(ctx context.Context, evt domain.AuditEvent) error
}

// Entry describes one transition to record.
type Entry struct {
	VentureID string
	EventType string
	Actor     string
	Before    any
	After     any
	Payload   any
}

type Log struct {
	Store    Store
	Now      func() time.Time
	Logger   *slog.Logger
	ErrorLog *slog.Logger
	Metrics  *telemetry.Instruments
	// Observers are called for each event that was written synchronously.
	Observers []func(domain.AuditEvent)

	// MaxRetryElapsed bounds background retries of one event.
	MaxRetryElapsed time.Duration

	mu          sync.Mutex
	wg          sync.WaitGroup
	closed      bool
	retryCtx    context.Context
	cancelRetry context.CancelFunc
}

// New returns a Log writing to store.
func New(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Log{
		Store:           store,
		Now:             time.Now,
		Logger:          logger,
		ErrorLog:        logger.With("channel", "audit-errors"),
		MaxRetryElapsed: 10 * time.Minute,
		retryCtx:        ctx,
		cancelRetry:     cancel,
	}
}

// Build turns an entry into an event with id, timestamp and payload hash.
func (l *Log) Build(e Entry) domain.AuditEvent {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	evt := domain.AuditEvent{
		ID:        uuid.NewString(),
		VentureID: e.VentureID,
		EventType: e.EventType,
		Actor:     e.Actor,
		Before:    marshal(e.Before),
		After:     marshal(e.After),
		Payload:   marshal(e.Payload),
		Timestamp: now().UTC().Format(time.RFC3339),
	}
	if evt.Actor == "" {
		evt.Actor = domain.SystemActor
	}
	evt.PayloadHash = PayloadHash(evt)
	return evt
}

// Record writes the entry. It returns the event it recorded whether or not
// the synchronous write succeeded.
func (l *Log) Record(ctx context.Context, e Entry) domain.AuditEvent {
	evt := l.Build(e)
	err := l.Store.InsertAuditEvent(ctx, evt)
	if err == nil {
		for _, obs := range l.Observers {
			obs(evt)
		}
		return evt
	}
	failure := domain.AuditWriteFailed{EventID: evt.ID, EventType: evt.EventType, Err: err}
	l.ErrorLog.Error("audit write failed; retrying in background", "event_id", evt.ID, "event_type", evt.EventType,
		"venture_id", evt.VentureID, "err", failure)
	if l.Metrics != nil {
		telemetry.Add(ctx, l.Metrics.AuditFailures, "event_type", evt.EventType)
	}
	l.enqueue(evt)
	return evt
}

func (l *Log) enqueue(evt domain.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.ErrorLog.Error("audit event dropped after close", "event_id", evt.ID, "event_type", evt.EventType)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.retry(evt)
	}()
}

func (l *Log) retry(evt domain.AuditEvent) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = l.MaxRetryElapsed
	op := func() error {
		return l.Store.InsertAuditEvent(l.retryCtx, evt)
	}
	notify := func(err error, wait time.Duration) {
		l.ErrorLog.Warn("audit retry failed", "event_id", evt.ID, "event_type", evt.EventType, "next_in", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, l.retryCtx), notify); err != nil {
		l.ErrorLog.Error("audit event lost", "event_id", evt.ID, "event_type", evt.EventType,
			"err", domain.AuditWriteFailed{EventID: evt.ID, EventType: evt.EventType, Err: err})
		return
	}
	l.Logger.Info("audit event written after retry", "event_id", evt.ID, "event_type", evt.EventType)
	for _, obs := range l.Observers {
		obs(evt)
	}
}

// Close stops accepting retries and waits for in-flight ones until ctx ends.
func (l *Log) Close(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.cancelRetry()
		<-done
	}
	l.cancelRetry()
}

// Flush waits for pending background retries without closing the log.
func (l *Log) Flush() {
	l.wg.Wait()
}

// PayloadHash is the sha256 of the canonical JSON of the event's content fields.
func PayloadHash(evt domain.AuditEvent) string {
	canonical, _ := json.Marshal(struct {
		VentureID string          `json:"venture_id"`
		EventType string          `json:"event_type"`
		Actor     string          `json:"actor"`
		Before    json.RawMessage `json:"before,omitempty"`
		After     json.RawMessage `json:"after,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}{evt.VentureID, evt.EventType, evt.Actor, evt.Before, evt.After, evt.Payload})
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
