package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/repo"
	"venturegate/internal/telemetry"
)

const (
	defaultEscalationInterval = 2 * time.Second
	defaultEscalationTimeout  = 5 * time.Second
	defaultEscalationBatch    = 100

	SignatureHeader = "X-Venturegate-Signature"
)

// DefaultEscalationEvents are posted when a hook names no events.
var DefaultEscalationEvents = []string{domain.EventApprovalExpired, domain.EventResumeExhausted}

// EscalationDispatcher posts audit events that need operator attention to configured
// receivers. Each hook keeps a persisted cursor into the audit log, so delivery is
// at-least-once and in seq order per hook.
type EscalationDispatcher struct {
	Repo     repo.Repo
	Hooks    []config.EscalationHook
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
	Metrics  *telemetry.Instruments

	retry map[string]*hookRetry
}

type hookRetry struct {
	backoff backoff.BackOff
	until   time.Time
}

func NewEscalationDispatcher(e engine.Engine) *EscalationDispatcher {
	d := &EscalationDispatcher{
		Repo:    e.Repo,
		Client:  &http.Client{Timeout: defaultEscalationTimeout},
		Logger:  e.Logger,
		Now:     time.Now,
		Metrics: e.Metrics,
	}
	if e.Config != nil {
		d.Hooks = e.Config.Notifications.Webhooks
	}
	return d
}

func (d *EscalationDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *EscalationDispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run dispatches until ctx is done.
func (d *EscalationDispatcher) Run(ctx context.Context) error {
	if len(d.Hooks) == 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultEscalationInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll gives every hook one pass over the events past its cursor.
func (d *EscalationDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if r := d.retry[hook.ID]; r != nil && d.now().Before(r.until) {
			continue
		}
		if err := d.dispatchHook(ctx, hook); err != nil {
			d.failed(hook, err)
			continue
		}
		delete(d.retry, hook.ID)
	}
}

func (d *EscalationDispatcher) failed(hook config.EscalationHook, err error) {
	if d.retry == nil {
		d.retry = map[string]*hookRetry{}
	}
	r := d.retry[hook.ID]
	if r == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0
		r = &hookRetry{backoff: b}
		d.retry[hook.ID] = r
	}
	wait := r.backoff.NextBackOff()
	r.until = d.now().Add(wait)
	d.logger().Warn("escalation delivery failed", "hook", hook.ID, "url", hook.URL, "retry_in", wait, "err", err)
}

func (d *EscalationDispatcher) dispatchHook(ctx context.Context, hook config.EscalationHook) error {
	cursor, ok, err := d.Repo.HookCursor(ctx, hook.ID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		// A new hook starts at the head of the log.
		if cursor, err = d.Repo.LatestAuditSeq(ctx); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		if err := d.Repo.SetHookCursor(ctx, hook.ID, cursor, repo.FormatTime(d.now())); err != nil {
			return err
		}
	}
	events := hook.Events
	if len(events) == 0 {
		events = DefaultEscalationEvents
	}
	batch, err := d.Repo.ListAuditEvents(ctx, repo.AuditFilter{EventTypes: events, AfterSeq: cursor, Limit: defaultEscalationBatch})
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range batch {
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.count(ctx, hook, "failed")
			return err
		}
		d.count(ctx, hook, "delivered")
		if err := d.Repo.SetHookCursor(ctx, hook.ID, evt.Seq, repo.FormatTime(d.now())); err != nil {
			return err
		}
	}
	return nil
}

func (d *EscalationDispatcher) count(ctx context.Context, hook config.EscalationHook, result string) {
	if d.Metrics == nil {
		return
	}
	telemetry.Add(ctx, d.Metrics.Escalations, "hook", hook.ID, "result", result)
}

type escalationEvent struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	VentureID string          `json:"venture_id,omitempty"`
	Actor     string          `json:"actor"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
}

// SignBody returns the signature header value for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *EscalationDispatcher) postEvent(ctx context.Context, hook config.EscalationHook, evt domain.AuditEvent) error {
	data, err := json.Marshal(escalationEvent{
		Seq:       evt.Seq,
		ID:        evt.ID,
		Type:      evt.EventType,
		VentureID: evt.VentureID,
		Actor:     evt.Actor,
		TS:        evt.Timestamp,
		Payload:   evt.Payload,
		After:     evt.After,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Venturegate-Event", evt.EventType)
	req.Header.Set("X-Venturegate-Delivery", evt.ID)
	req.Header.Set("X-Venturegate-Seq", strconv.FormatInt(evt.Seq, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, SignBody(hook.Secret, data))
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultEscalationTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
