package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the service counters. Instruments created before Init
// follow the global provider once it is installed.
type Instruments struct {
	Ingestions    metric.Int64Counter
	GateAttempts  metric.Int64Counter
	Approvals     metric.Int64Counter
	ResumeCalls   metric.Int64Counter
	AuditFailures metric.Int64Counter
	Escalations   metric.Int64Counter
}

// NewInstruments registers the counters on the venturegate meter.
func NewInstruments() *Instruments {
	m := Meter("")
	ingest, _ := m.Int64Counter("vg.ingest.deliveries", metric.WithDescription("Evidence deliveries by outcome"))
	gates, _ := m.Int64Counter("vg.gate.attempts", metric.WithDescription("Gate attempts by gate and status"))
	approvals, _ := m.Int64Counter("vg.approval.transitions", metric.WithDescription("Approval status transitions"))
	resume, _ := m.Int64Counter("vg.resume.calls", metric.WithDescription("Resume calls by result"))
	audit, _ := m.Int64Counter("vg.audit.write_failures", metric.WithDescription("Audit writes that failed synchronously"))
	esc, _ := m.Int64Counter("vg.escalation.deliveries", metric.WithDescription("Escalation webhook deliveries by result"))
	return &Instruments{
		Ingestions:    ingest,
		GateAttempts:  gates,
		Approvals:     approvals,
		ResumeCalls:   resume,
		AuditFailures: audit,
		Escalations:   esc,
	}
}

// Add increments c with string attributes given as key/value pairs. A nil counter is ignored.
func Add(ctx context.Context, c metric.Int64Counter, kv ...string) {
	if c == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
