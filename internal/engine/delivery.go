package engine

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"venturegate/internal/audit"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/repo"
	"venturegate/internal/resume"
	"venturegate/internal/telemetry"
)

// deliveryQueue hands resolved approvals to the resume worker.
type deliveryQueue struct {
	ch       chan string
	inflight sync.Map
	wg       sync.WaitGroup
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{ch: make(chan string, 1024)}
}

// enqueueDelivery schedules the resume call for a resolved approval. A full queue drops
// the id; the sweeper re-drives every pending delivery.
func (e Engine) enqueueDelivery(id string) {
	q := e.deliveries
	if q == nil {
		return
	}
	if _, loaded := q.inflight.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	select {
	case q.ch <- id:
	default:
		q.inflight.Delete(id)
		e.logger().Warn("resume queue full", "approval_id", id)
	}
}

// StartResumeWorker runs n delivery goroutines until ctx is done. The returned func
// blocks until they have exited.
func (e Engine) StartResumeWorker(ctx context.Context, n int) func() {
	q := e.deliveries
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ch:
					e.deliverResume(ctx, id)
					q.inflight.Delete(id)
				}
			}
		}()
	}
	return q.wg.Wait
}

// DrainDeliveries delivers everything currently queued on the calling goroutine.
func (e Engine) DrainDeliveries(ctx context.Context) int {
	q := e.deliveries
	n := 0
	for {
		select {
		case id := <-q.ch:
			e.deliverResume(ctx, id)
			q.inflight.Delete(id)
			n++
		default:
			return n
		}
	}
}

// RedrivePending queues every approval whose resume call has not been delivered.
func (e Engine) RedrivePending(ctx context.Context) (int, error) {
	pending, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilter{DeliveryStatus: domain.DeliveryPending})
	if err != nil {
		return 0, err
	}
	for _, a := range pending {
		e.enqueueDelivery(a.ID)
	}
	return len(pending), nil
}

// Redeliver resets an exhausted delivery so the worker retries it.
func (e Engine) Redeliver(ctx context.Context, id string, actor auth.Principal) (domain.ApprovalRequest, error) {
	if err := e.Auth.Require(ctx, nil, actor, "approval.override"); err != nil {
		return domain.ApprovalRequest{}, err
	}
	a, err := e.Repo.GetApproval(ctx, nil, id)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	ok, err := e.Repo.SetDeliveryStatus(ctx, id, domain.DeliveryExhausted, domain.DeliveryPending)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !ok {
		return a, domain.ValidationError{Field: "delivery_status", Reason: "only exhausted deliveries can be reset, current " + string(a.DeliveryStatus)}
	}
	a.DeliveryStatus = domain.DeliveryPending
	e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventResumeRedeliveryReset, Actor: actor.ActorID,
		Before: map[string]any{"delivery_status": domain.DeliveryExhausted}, After: map[string]any{"delivery_status": domain.DeliveryPending},
		Payload: map[string]any{"approvalId": id}})
	e.enqueueDelivery(id)
	return a, nil
}

func (e Engine) resumePolicy() resume.Policy {
	rc := e.Config.Resume
	return resume.Policy{MaxAttempts: rc.MaxAttempts, InitialInterval: rc.InitialInterval, MaxInterval: rc.MaxInterval}
}

// deliverResume calls the engine's resume endpoint for one approval. Every failed call is
// audited; exhausting the retry budget marks the delivery for operator attention.
func (e Engine) deliverResume(ctx context.Context, id string) {
	ctx, span := e.startSpan(ctx, "engine.deliverResume")
	defer span.End()
	log := e.logger().With("approval_id", id)
	a, err := e.Repo.GetApproval(ctx, nil, id)
	if err != nil {
		log.Error("load approval for resume", "err", err)
		return
	}
	if a.DeliveryStatus != domain.DeliveryPending {
		return
	}
	if e.Resume == nil {
		log.Warn("resume endpoint not configured; delivery left pending")
		return
	}
	req := resume.Request{ExecutionID: a.ExecutionID, TaskID: a.TaskID, Decision: string(a.Decision), Feedback: a.Feedback, ApprovalID: a.ID}
	count := func(outcome string) {
		e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.ResumeCalls }, "outcome", outcome)
	}
	attempts, err := resume.Deliver(ctx, e.Resume, req, e.resumePolicy(), func(attempt int, callErr error) {
		count("failed")
		if err := e.Repo.RecordDeliveryAttempt(ctx, id, domain.DeliveryPending, callErr.Error(), ""); err != nil {
			log.Error("record resume attempt", "err", err)
		}
		log.Warn("resume call failed", "venture_id", a.VentureID, "attempt", attempt, "err", callErr)
		e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventResumeDeliveryFailed, Actor: domain.SystemActor,
			Payload: map[string]any{"approvalId": id, "attempt": attempt, "error": callErr.Error()}})
	})
	if err == nil {
		count("delivered")
		if err := e.Repo.RecordDeliveryAttempt(ctx, id, domain.DeliveryDelivered, "", e.stamp()); err != nil {
			log.Error("record resume delivery", "err", err)
		}
		e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventResumeDelivered, Actor: domain.SystemActor,
			Payload: map[string]any{"approvalId": id, "attempts": attempts, "decision": a.Decision}})
		return
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		log.Info("resume delivery interrupted; will redrive", "attempts", attempts)
		return
	}
	failed := domain.ResumeDeliveryFailed{ApprovalID: id, Attempts: attempts, Err: err}
	if _, err := e.Repo.SetDeliveryStatus(ctx, id, domain.DeliveryPending, domain.DeliveryExhausted); err != nil {
		log.Error("mark resume exhausted", "err", err)
	}
	count("exhausted")
	log.Error("resume delivery exhausted", "venture_id", a.VentureID, "err", failed)
	e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventResumeExhausted, Actor: domain.SystemActor,
		Payload: map[string]any{"approvalId": id, "attempts": attempts, "error": failed.Error()}})
}
