package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"venturegate/internal/audit"
	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/notify"
	"venturegate/internal/policy"
	"venturegate/internal/repo"
	"venturegate/internal/resume"
	"venturegate/internal/telemetry"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    *audit.Log
	Auth     auth.Service
	Config   *config.Config
	Notifier *notify.Notifier
	Resume   resume.Sender
	Metrics  *telemetry.Instruments
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Now      func() time.Time

	deliveries *deliveryQueue
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("venturegate")
	}
	r := repo.Repo{DB: db}
	logger := slog.Default()
	metrics := telemetry.NewInstruments()
	log := audit.New(r, logger)
	log.Metrics = metrics
	e := Engine{
		DB:         db,
		Repo:       r,
		Audit:      log,
		Auth:       auth.NewService(r, cfg),
		Config:     cfg,
		Notifier:   &notify.Notifier{Hub: notify.NewHub(), Logger: logger},
		Metrics:    metrics,
		Logger:     logger,
		Tracer:     telemetry.Tracer("venturegate/engine"),
		Now:        time.Now,
		deliveries: newDeliveryQueue(),
	}
	if cfg.Resume.URL != "" {
		e.Resume = resume.NewClient(cfg.Resume.URL, cfg.Resume.Token, cfg.Resume.Timeout)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return repo.FormatTime(e.now())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) record(ctx context.Context, entry audit.Entry) {
	if e.Audit == nil {
		return
	}
	e.Audit.Record(ctx, entry)
}

func (e Engine) add(ctx context.Context, pick func(*telemetry.Instruments) metric.Int64Counter, kv ...string) {
	if e.Metrics == nil {
		return
	}
	telemetry.Add(ctx, pick(e.Metrics), kv...)
}

func (e Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if e.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.Tracer.Start(ctx, name)
}

func (e Engine) stateChanged(ctx context.Context, s domain.ValidationState, cause string) {
	e.Notifier.StateChanged(ctx, notify.StateChange{VentureID: s.VentureID, Version: s.Version, Phase: string(s.Phase), Cause: cause})
}

// ActivePolicy returns the latest stored policy, importing the built-in default on first use.
func (e Engine) ActivePolicy(ctx context.Context) (policy.Policy, error) {
	var p policy.Policy
	var created bool
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		p, created, err = e.activePolicyTx(ctx, tx)
		return err
	})
	if err == nil && created {
		e.record(ctx, audit.Entry{EventType: domain.EventPolicyImported, Actor: domain.SystemActor,
			Payload: map[string]any{"version": p.Version, "hash": p.Hash, "source": p.Source}})
	}
	return p, err
}

func (e Engine) activePolicyTx(ctx context.Context, tx *sql.Tx) (policy.Policy, bool, error) {
	p, err := e.Repo.ActivePolicy(ctx, tx)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return policy.Policy{}, false, err
	}
	return e.Repo.ImportPolicy(ctx, tx, policy.Default(), "builtin", e.stamp())
}

// ImportPolicy stores doc as the active policy. Identical documents keep their version.
func (e Engine) ImportPolicy(ctx context.Context, doc policy.Document, source string, actor auth.Principal) (policy.Policy, bool, error) {
	if err := doc.Validate(); err != nil {
		return policy.Policy{}, false, domain.ValidationError{Field: "policy", Reason: err.Error()}
	}
	var p policy.Policy
	var created bool
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, "policy.import"); err != nil {
			return err
		}
		var err error
		p, created, err = e.Repo.ImportPolicy(ctx, tx, doc, source, e.stamp())
		return err
	})
	if err != nil {
		return policy.Policy{}, false, err
	}
	if created {
		e.record(ctx, audit.Entry{EventType: domain.EventPolicyImported, Actor: actor.ActorID,
			Payload: map[string]any{"version": p.Version, "hash": p.Hash, "source": source}})
	}
	return p, created, nil
}
