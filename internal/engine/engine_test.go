package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/engine/auth"
	"venturegate/internal/migrate"
	"venturegate/internal/policy"
	"venturegate/internal/repo"
	"venturegate/internal/resume"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
	Owner  auth.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("svc-1")
	cfg.Resume.MaxAttempts = 3
	cfg.Resume.InitialInterval = time.Millisecond
	cfg.Resume.MaxInterval = 5 * time.Millisecond
	eng := engine.New(conn, cfg)
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	t.Cleanup(func() { eng.Audit.Close(context.Background()) })
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock,
		Owner: auth.Principal{ActorID: "owner-1", Roles: []string{"owner"}}}
}

func (env testEnv) ingest(t *testing.T, venture, exec string, dim domain.Dimension, seq int64, ev domain.Evidence) (engine.IngestResult, error) {
	t.Helper()
	return env.Engine.IngestEvidence(env.Ctx, engine.EvidenceDelivery{
		ExecutionID: exec, VentureID: venture, Dimension: dim, SourceSequence: seq, Evidence: ev,
	})
}

func (env testEnv) auditCount(t *testing.T, venture, eventType string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountAuditEvents(env.Ctx, venture, eventType)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func resonance(r float64) domain.Evidence {
	return domain.Evidence{Metrics: map[string]float64{"problem_resonance": r}}
}

// passingDesirability satisfies every criterion of the default desirability gate.
func passingDesirability() domain.Evidence {
	return domain.Evidence{
		Metrics: map[string]float64{"problem_resonance": 0.72, "clicks": 50, "impressions": 1000},
		Items: []domain.EvidenceItem{
			{Type: domain.EvidenceExperiment, Strength: domain.StrengthStrong, Quality: 0.9},
			{Type: domain.EvidenceExperiment, Strength: domain.StrengthMedium, Quality: 0.8},
			{Type: domain.EvidenceExperiment, Strength: domain.StrengthMedium, Quality: 0.7},
			{Type: domain.EvidenceInterview, Strength: domain.StrengthMedium, Quality: 0.7},
			{Type: domain.EvidenceAnalytics, Strength: domain.StrengthStrong, Quality: 0.8},
		},
	}
}

func TestIngestCreatesVentureAndDerivesSignals(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, resonance(0.72)); err != nil {
		t.Fatalf("desirability: %v", err)
	}
	feas := domain.Evidence{Features: map[string]domain.FeatureStatus{
		"checkout": domain.FeaturePossible, "search": domain.FeaturePossible, "sync": domain.FeatureConstrained,
	}}
	if _, err := env.ingest(t, "v1", "E1", domain.Feasibility, 1, feas); err != nil {
		t.Fatalf("feasibility: %v", err)
	}
	via := domain.Evidence{Metrics: map[string]float64{"ltv": 450, "cac": 150}}
	res, err := env.ingest(t, "v1", "E1", domain.Viability, 1, via)
	if err != nil {
		t.Fatalf("viability: %v", err)
	}
	s := res.State
	if s.Phase != domain.PhaseDesirability {
		t.Fatalf("expected auto-created venture in desirability, got %s", s.Phase)
	}
	if s.DesirabilitySignal != domain.SignalStrongCommitment || s.FeasibilitySignal != domain.SignalOrangeConstrained || s.ViabilitySignal != domain.SignalProfitable {
		t.Fatalf("unexpected signals: %s %s %s", s.DesirabilitySignal, s.FeasibilitySignal, s.ViabilitySignal)
	}
	if s.Version != 4 || s.LastExecutionID != "E1" {
		t.Fatalf("expected version 4 from E1, got %d %q", s.Version, s.LastExecutionID)
	}
	if n := env.auditCount(t, "v1", domain.EventVentureCreated); n != 1 {
		t.Fatalf("expected one venture.created, got %d", n)
	}
	if n := env.auditCount(t, "v1", domain.EventEvidenceAccepted); n != 3 {
		t.Fatalf("expected three evidence.accepted, got %d", n)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.ingest(t, "v1", "E1", domain.Desirability, 5, resonance(0.4))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := env.ingest(t, "v1", "E1", domain.Desirability, 5, resonance(0.4))
		if err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if !again.Duplicate || again.NewVersion != first.NewVersion {
			t.Fatalf("expected duplicate at version %d, got %+v", first.NewVersion, again)
		}
	}
	s, err := env.Engine.GetState(env.Ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != first.NewVersion {
		t.Fatalf("version moved on redelivery: %d != %d", s.Version, first.NewVersion)
	}
	if n := env.auditCount(t, "v1", domain.EventEvidenceAccepted); n != 1 {
		t.Fatalf("expected one evidence.accepted, got %d", n)
	}
	hist, err := env.Engine.EvidenceHistory(env.Ctx, "v1", domain.Desirability, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected one history row, got %d", len(hist))
	}
}

func TestLastSequenceWinsInEitherOrder(t *testing.T) {
	env := newTestEnv(t)
	orders := map[string][]int64{"v-asc": {1, 2}, "v-desc": {2, 1}}
	for venture, seqs := range orders {
		for _, seq := range seqs {
			_, err := env.ingest(t, venture, "E-"+venture, domain.Desirability, seq, resonance(float64(seq)/10))
			var stale domain.StaleWriteError
			if seq == 1 && venture == "v-desc" {
				if !errors.As(err, &stale) {
					t.Fatalf("%s: expected stale write for seq 1, got %v", venture, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s seq %d: %v", venture, seq, err)
			}
		}
		view, err := env.Engine.GetVenture(env.Ctx, venture)
		if err != nil {
			t.Fatal(err)
		}
		c := view.Evidence[domain.Desirability]
		if c.SourceSequence != 2 || c.Evidence.Metrics["problem_resonance"] != 0.2 {
			t.Fatalf("%s: expected seq 2 to win, got seq %d", venture, c.SourceSequence)
		}
	}
}

func TestStaleRedeliveryStaysStale(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 3, resonance(0.5)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		_, err := env.ingest(t, "v1", "E1", domain.Desirability, 2, resonance(0.9))
		var stale domain.StaleWriteError
		if !errors.As(err, &stale) {
			t.Fatalf("attempt %d: expected stale write, got %v", i, err)
		}
	}
	s, _ := env.Engine.GetState(env.Ctx, "v1")
	if s.Version != 2 {
		t.Fatalf("stale deliveries must not bump version, got %d", s.Version)
	}
}

func TestNewerExecutionSupersedesOlder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 10, resonance(0.2)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ingest(t, "v1", "E2", domain.Desirability, 1, resonance(0.7)); err != nil {
		t.Fatalf("newer execution with a lower sequence must win: %v", err)
	}
	_, err := env.ingest(t, "v1", "E1", domain.Desirability, 11, resonance(0.1))
	var stale domain.StaleWriteError
	if !errors.As(err, &stale) || stale.Reason == "" {
		t.Fatalf("expected superseded execution to be stale, got %v", err)
	}
	s, _ := env.Engine.GetState(env.Ctx, "v1")
	if s.DesirabilitySignal != domain.SignalStrongCommitment || s.LastExecutionID != "E2" {
		t.Fatalf("unexpected state after supersede: %+v", s)
	}
}

func TestManualEditsRequireExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateVenture(env.Ctx, "v1", env.Owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pivot := domain.PivotSegment
	_, err = env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner, PivotRecommendation: &pivot})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error without expectedVersion, got %v", err)
	}
	wrong := s.Version + 5
	res, err := env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner, ExpectedVersion: &wrong, PivotRecommendation: &pivot})
	var conflict domain.VersionConflict
	if !errors.As(err, &conflict) || conflict.Actual != s.Version || res.Accepted {
		t.Fatalf("expected version conflict, got %v %+v", err, res)
	}
	res, err = env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner, ExpectedVersion: &s.Version, PivotRecommendation: &pivot})
	if err != nil || !res.Accepted || res.NewVersion != s.Version+1 {
		t.Fatalf("expected accepted edit, got %v %+v", err, res)
	}
	if res.State.PivotRecommendation != domain.PivotSegment {
		t.Fatalf("pivot not applied: %s", res.State.PivotRecommendation)
	}
}

func TestManualEvidenceKeepsEngineOrdering(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.ingest(t, "v1", "E1", domain.Desirability, 4, resonance(0.2))
	if err != nil {
		t.Fatal(err)
	}
	version := first.NewVersion
	res, err := env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner, ExpectedVersion: &version,
		Evidence: &engine.EvidenceWrite{Dimension: domain.Desirability, Evidence: resonance(0.65)}})
	if err != nil {
		t.Fatalf("manual evidence: %v", err)
	}
	if res.State.DesirabilitySignal != domain.SignalStrongCommitment {
		t.Fatalf("signals not recomputed: %s", res.State.DesirabilitySignal)
	}
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 4, resonance(0.1)); err != nil {
		t.Fatalf("replayed receipt should be a duplicate: %v", err)
	}
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 5, resonance(0.1)); err != nil {
		t.Fatalf("newer engine sequence must supersede manual edit: %v", err)
	}
	view, _ := env.Engine.GetVenture(env.Ctx, "v1")
	if view.Evidence[domain.Desirability].UpdatedBy != domain.SystemActor {
		t.Fatalf("expected engine write to win, got %q", view.Evidence[domain.Desirability].UpdatedBy)
	}
}

func TestGateOrderViolation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Feasibility, 1, domain.Evidence{Features: map[string]domain.FeatureStatus{"a": domain.FeaturePossible}}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Feasibility, env.Owner)
	var order domain.PolicyOrderViolation
	if !errors.As(err, &order) {
		t.Fatalf("expected policy order violation, got %v", err)
	}
	if order.Prerequisite != string(domain.Desirability) {
		t.Fatalf("expected desirability named as prerequisite, got %q", order.Prerequisite)
	}
	attempts, _ := env.Engine.ListAttempts(env.Ctx, "v1", "")
	if len(attempts) != 0 {
		t.Fatalf("rejected attempt must not be recorded")
	}
}

func TestGateFailureListsEveryCriterion(t *testing.T) {
	env := newTestEnv(t)
	doc := policy.Document{Gates: map[domain.Dimension]policy.GateCriteria{
		domain.Desirability: {
			MinExperiments:      3,
			RequiredStrengthMix: map[domain.Strength]int{domain.StrengthMedium: 1, domain.StrengthStrong: 1},
		},
	}}
	if _, _, err := env.Engine.ImportPolicy(env.Ctx, doc, "test", env.Owner); err != nil {
		t.Fatalf("import policy: %v", err)
	}
	ev := domain.Evidence{Items: []domain.EvidenceItem{
		{Type: domain.EvidenceExperiment, Strength: domain.StrengthWeak, Quality: 0.5},
		{Type: domain.EvidenceExperiment, Strength: domain.StrengthMedium, Quality: 0.8},
	}}
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, ev); err != nil {
		t.Fatal(err)
	}
	attempt, s, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if attempt.Passed || s.Phase != domain.PhaseDesirability {
		t.Fatalf("expected failing attempt without advance, got %+v", attempt)
	}
	names := map[string]bool{}
	for _, n := range attempt.FailingNames() {
		names[n] = true
	}
	if !names["min_experiments"] || !names["required_strength_mix"] {
		t.Fatalf("expected both failing criteria, got %v", attempt.FailingNames())
	}
	if n := env.auditCount(t, "v1", domain.EventGateAttempted); n != 1 {
		t.Fatalf("expected one gate.attempted, got %d", n)
	}
}

func TestGatePassAdvancesOneStep(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, passingDesirability()); err != nil {
		t.Fatal(err)
	}
	attempt, s, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !attempt.Passed || attempt.Score != 1 {
		t.Fatalf("expected pass, failing %v", attempt.FailingNames())
	}
	if s.Phase != domain.PhaseFeasibility || s.PolicyVersion != attempt.PolicyVersion {
		t.Fatalf("expected feasibility at policy %d, got %s %d", attempt.PolicyVersion, s.Phase, s.PolicyVersion)
	}
	again, s2, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner)
	if err != nil || !again.Passed {
		t.Fatalf("re-evaluating a passed gate: %v", err)
	}
	if s2.Phase != domain.PhaseFeasibility {
		t.Fatalf("a passed gate must not advance twice, got %s", s2.Phase)
	}
}

func TestAutoAdvanceAfterIngestion(t *testing.T) {
	env := newTestEnv(t)
	doc := policy.Default()
	doc.AutoAdvance = true
	if _, _, err := env.Engine.ImportPolicy(env.Ctx, doc, "test", env.Owner); err != nil {
		t.Fatal(err)
	}
	res, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, passingDesirability())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempt == nil || !res.Attempt.Passed || res.State.Phase != domain.PhaseFeasibility {
		t.Fatalf("expected auto advance to feasibility, got %+v", res.State)
	}
}

func TestOverrideKeepsFailureInHistory(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, resonance(0.1)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.OverrideGate(env.Ctx, "v1", domain.Desirability, "", "cfo", env.Owner); err == nil {
		t.Fatalf("expected justification to be required")
	}
	attempt, s, err := env.Engine.OverrideGate(env.Ctx, "v1", domain.Desirability, "board approved pilot", "cfo", env.Owner)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if attempt.Passed || !attempt.Overridden || s.Phase != domain.PhaseFeasibility {
		t.Fatalf("unexpected override result %+v phase %s", attempt, s.Phase)
	}
	history, err := env.Engine.ListAttempts(env.Ctx, "v1", domain.Desirability)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Passed || len(history[0].FailingCriteria) == 0 || history[0].Justification == "" {
		t.Fatalf("override must leave the failing attempt in history: %+v", history)
	}
	if n := env.auditCount(t, "v1", domain.EventGateOverride); n != 1 {
		t.Fatalf("expected one gate.override, got %d", n)
	}
}

func TestOverrideRejectedWhenGatePasses(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, passingDesirability()); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.OverrideGate(env.Ctx, "v1", domain.Desirability, "just because", "cfo", env.Owner)
	if !errors.Is(err, domain.ErrOverrideNotRequired) {
		t.Fatalf("expected ErrOverrideNotRequired, got %v", err)
	}
}

func TestOverrideRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, resonance(0.1)); err != nil {
		t.Fatal(err)
	}
	operator := auth.Principal{ActorID: "op-1", Roles: []string{"operator"}}
	_, _, err := env.Engine.OverrideGate(env.Ctx, "v1", domain.Desirability, "why not", "cfo", operator)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != "gate.override" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestKillAndRevert(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateVenture(env.Ctx, "v1", env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	if s, err = env.Engine.StartValidation(env.Ctx, "v1", env.Owner); err != nil || s.Phase != domain.PhaseDesirability {
		t.Fatalf("start validation: %v", err)
	}
	if _, err := env.Engine.Kill(env.Ctx, "v1", "", nil, env.Owner); err == nil {
		t.Fatalf("kill without reason must fail")
	}
	killed, err := env.Engine.Kill(env.Ctx, "v1", "no market", nil, env.Owner)
	if err != nil || killed.Phase != domain.PhaseKilled {
		t.Fatalf("kill: %v", err)
	}
	if _, _, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner); !errors.Is(err, domain.ErrTerminalPhase) {
		t.Fatalf("expected terminal phase error, got %v", err)
	}
	revived, err := env.Engine.RevertPhase(env.Ctx, "v1", domain.PhaseDesirability, "new segment", &killed.Version, env.Owner)
	if err != nil || revived.Phase != domain.PhaseDesirability || revived.PivotRecommendation != domain.PivotNone {
		t.Fatalf("revert: %v %+v", err, revived)
	}
	if _, err := env.Engine.RevertPhase(env.Ctx, "v1", domain.PhaseFeasibility, "forward", nil, env.Owner); err == nil {
		t.Fatalf("revert must not move forward")
	}
	if n := env.auditCount(t, "v1", domain.EventPhaseReverted); n != 1 {
		t.Fatalf("expected one phase.reverted, got %d", n)
	}
}

func TestPolicyImportIsVersioned(t *testing.T) {
	env := newTestEnv(t)
	base, err := env.Engine.ActivePolicy(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	doc := policy.Default()
	doc.ZombieMarketFloor = 5_000_000
	p1, created, err := env.Engine.ImportPolicy(env.Ctx, doc, "file", env.Owner)
	if err != nil || !created || p1.Version <= base.Version {
		t.Fatalf("import: %v created=%v version=%d", err, created, p1.Version)
	}
	p2, created, err := env.Engine.ImportPolicy(env.Ctx, doc, "file", env.Owner)
	if err != nil || created || p2.Version != p1.Version {
		t.Fatalf("identical import must keep version %d, got %d created=%v", p1.Version, p2.Version, created)
	}
	reviewer := auth.Principal{ActorID: "r-1", Roles: []string{"reviewer"}}
	if _, _, err := env.Engine.ImportPolicy(env.Ctx, policy.Default(), "file", reviewer); err == nil {
		t.Fatalf("reviewer must not import policies")
	}
}

func checkpoint(exec, task string, typ domain.ApprovalType, risk domain.RiskLevel) engine.Checkpoint {
	return engine.Checkpoint{
		ExecutionID: exec, TaskID: task, VentureID: "v1", Type: typ,
		Options: []domain.ApprovalOption{
			{Label: "proceed", RiskLevel: risk, Recommended: true},
			{Label: "hold", RiskLevel: domain.RiskLow},
		},
	}
}

func TestCheckpointIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalCampaignLaunch, domain.RiskMedium))
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !first.Created || first.Approval.Status != domain.ApprovalPending {
		t.Fatalf("expected new pending request, got %+v", first)
	}
	again, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalCampaignLaunch, domain.RiskMedium))
	if err != nil || again.Created || again.Approval.ID != first.Approval.ID {
		t.Fatalf("expected existing request %s, got %+v (%v)", first.Approval.ID, again, err)
	}
	list, _ := env.Engine.ListApprovals(env.Ctx, repo.ApprovalFilter{VentureID: "v1"})
	if len(list) != 1 {
		t.Fatalf("expected one approval, got %d", len(list))
	}
	want := env.Clock.Now().Add(env.Engine.Config.Approvals.DefaultTTL)
	if first.Approval.ExpiresAt != repo.FormatTime(want) {
		t.Fatalf("expected default ttl expiry %s, got %s", repo.FormatTime(want), first.Approval.ExpiresAt)
	}
}

func TestCheckpointFallbackLinkage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E9", domain.Desirability, 1, resonance(0.4)); err != nil {
		t.Fatal(err)
	}
	cp := checkpoint("E9", "", domain.ApprovalSegmentPivot, domain.RiskHigh)
	cp.VentureID = ""
	first, err := env.Engine.HandleCheckpoint(env.Ctx, cp)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if first.Approval.VentureID != "v1" || first.Approval.TaskID == "" || !first.Approval.LinkageDerived {
		t.Fatalf("expected derived linkage to v1, got %+v", first.Approval)
	}
	again, err := env.Engine.HandleCheckpoint(env.Ctx, cp)
	if err != nil || again.Created || again.Approval.ID != first.Approval.ID {
		t.Fatalf("derived task id must be stable: %+v %v", again, err)
	}
	unknown := checkpoint("E404", "", domain.ApprovalSegmentPivot, domain.RiskHigh)
	unknown.VentureID = ""
	var verr domain.ValidationError
	if _, err := env.Engine.HandleCheckpoint(env.Ctx, unknown); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown execution, got %v", err)
	}
}

func TestAutoApproveMatchingRule(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalSpendIncrease, domain.RiskLow))
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	a := res.Approval
	if !res.AutoApproved || a.Status != domain.ApprovalApproved || a.Decision != domain.DecisionApprove || a.ResolvedBy != domain.SystemActor {
		t.Fatalf("expected auto approval, got %+v", a)
	}
	if n := env.auditCount(t, "v1", domain.EventApprovalAutoApproved); n != 1 {
		t.Fatalf("expected one approval.auto_approved, got %d", n)
	}

	high := checkpoint("E1", "T2", domain.ApprovalSpendIncrease, domain.RiskHigh)
	res, err = env.Engine.HandleCheckpoint(env.Ctx, high)
	if err != nil || res.AutoApproved || res.Approval.Status != domain.ApprovalPending {
		t.Fatalf("high risk must stay pending: %+v %v", res, err)
	}
	big := checkpoint("E1", "T3", domain.ApprovalSpendIncrease, domain.RiskLow)
	big.Amount = 10_000
	res, err = env.Engine.HandleCheckpoint(env.Ctx, big)
	if err != nil || res.AutoApproved {
		t.Fatalf("amount above threshold must stay pending: %+v %v", res, err)
	}
}

func TestResolveTwiceReturnsOriginalDecision(t *testing.T) {
	env := newTestEnv(t)
	cp, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalCustomerContact, domain.RiskMedium))
	if err != nil {
		t.Fatal(err)
	}
	id := cp.Approval.ID
	first, err := env.Engine.ResolveApproval(env.Ctx, id, domain.DecisionApprove, "go ahead", env.Owner)
	if err != nil || first.Replayed || first.Approval.Status != domain.ApprovalApproved {
		t.Fatalf("first resolve: %+v %v", first, err)
	}
	second, err := env.Engine.ResolveApproval(env.Ctx, id, domain.DecisionReject, "changed my mind", env.Owner)
	if err != nil {
		t.Fatalf("second resolve must not fail: %v", err)
	}
	if !second.Replayed || second.Approval.Decision != domain.DecisionApprove || !errors.Is(second.Err(), domain.ErrApprovalAlreadyResolved) {
		t.Fatalf("expected original decision replayed, got %+v", second)
	}
	if n := env.auditCount(t, "v1", domain.EventApprovalResolved); n != 1 {
		t.Fatalf("expected one approval.resolved, got %d", n)
	}
}

func TestResumeRetriesUntilDelivered(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	env.Engine.Resume = resume.NewClient(srv.URL, "tok", time.Second)

	cp, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalDataSharing, domain.RiskHigh))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveApproval(env.Ctx, cp.Approval.ID, domain.DecisionReject, "no", env.Owner); err != nil {
		t.Fatal(err)
	}
	if n := env.Engine.DrainDeliveries(env.Ctx); n != 1 {
		t.Fatalf("expected one queued delivery, got %d", n)
	}
	a, _ := env.Engine.GetApproval(env.Ctx, cp.Approval.ID)
	if a.DeliveryStatus != domain.DeliveryDelivered || a.DeliveryAttempts != 3 || a.Status != domain.ApprovalRejected {
		t.Fatalf("unexpected delivery state %+v", a)
	}
	if n := env.auditCount(t, "v1", domain.EventResumeDeliveryFailed); n != 2 {
		t.Fatalf("expected two resume failures audited, got %d", n)
	}
	if n := env.auditCount(t, "v1", domain.EventResumeDelivered); n != 1 {
		t.Fatalf("expected one delivery audited, got %d", n)
	}
}

func TestResumeExhaustionAndRedeliver(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	env.Engine.Resume = resume.NewClient(srv.URL, "", time.Second)

	cp, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalStrategicPivot, domain.RiskHigh))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveApproval(env.Ctx, cp.Approval.ID, domain.DecisionApprove, "", env.Owner); err != nil {
		t.Fatal(err)
	}
	env.Engine.DrainDeliveries(env.Ctx)
	a, _ := env.Engine.GetApproval(env.Ctx, cp.Approval.ID)
	if a.DeliveryStatus != domain.DeliveryExhausted || a.DeliveryAttempts != 3 {
		t.Fatalf("expected exhausted after 3 attempts, got %+v", a)
	}
	if a.Status != domain.ApprovalApproved {
		t.Fatalf("decision must survive delivery failure, got %s", a.Status)
	}
	if n := env.auditCount(t, "v1", domain.EventResumeExhausted); n != 1 {
		t.Fatalf("expected resume_exhausted audit, got %d", n)
	}
	reset, err := env.Engine.Redeliver(env.Ctx, a.ID, env.Owner)
	if err != nil || reset.DeliveryStatus != domain.DeliveryPending {
		t.Fatalf("redeliver: %v %+v", err, reset)
	}
	if _, err := env.Engine.Redeliver(env.Ctx, a.ID, env.Owner); err == nil {
		t.Fatalf("only exhausted deliveries can be reset")
	}
}

func TestRedrivePendingDeliveries(t *testing.T) {
	env := newTestEnv(t)
	cp, err := env.Engine.HandleCheckpoint(env.Ctx, checkpoint("E1", "T1", domain.ApprovalFeatureDowngrade, domain.RiskMedium))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveApproval(env.Ctx, cp.Approval.ID, domain.DecisionApprove, "", env.Owner); err != nil {
		t.Fatal(err)
	}
	// No resume endpoint: the delivery stays pending until one is configured.
	env.Engine.DrainDeliveries(env.Ctx)
	a, _ := env.Engine.GetApproval(env.Ctx, cp.Approval.ID)
	if a.DeliveryStatus != domain.DeliveryPending {
		t.Fatalf("expected pending delivery, got %s", a.DeliveryStatus)
	}
	var got resume.Request
	env.Engine.Resume = senderFunc(func(ctx context.Context, req resume.Request) error {
		got = req
		return nil
	})
	n, err := env.Engine.RedrivePending(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("redrive: %d %v", n, err)
	}
	env.Engine.DrainDeliveries(env.Ctx)
	if got.ExecutionID != "E1" || got.TaskID != "T1" || got.Decision != string(domain.DecisionApprove) {
		t.Fatalf("unexpected resume request %+v", got)
	}
}

type senderFunc func(ctx context.Context, req resume.Request) error

func (f senderFunc) Resume(ctx context.Context, req resume.Request) error { return f(ctx, req) }

func TestExpiryAndOperatorOverride(t *testing.T) {
	env := newTestEnv(t)
	cp := checkpoint("E1", "T1", domain.ApprovalGateProgression, domain.RiskMedium)
	cp.UrgencyDeadline = env.Clock.Now().Add(time.Hour).Format(time.RFC3339)
	res, err := env.Engine.HandleCheckpoint(env.Ctx, cp)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := env.Engine.ExpireDue(env.Ctx); n != 0 {
		t.Fatalf("nothing is due yet, expired %d", n)
	}
	env.Clock.Advance(2 * time.Hour)
	if n, err := env.Engine.ExpireDue(env.Ctx); err != nil || n != 1 {
		t.Fatalf("expected one expiry, got %d %v", n, err)
	}
	a, _ := env.Engine.GetApproval(env.Ctx, res.Approval.ID)
	if a.Status != domain.ApprovalExpired {
		t.Fatalf("expected expired, got %s", a.Status)
	}
	if n := env.auditCount(t, "v1", domain.EventApprovalExpired); n != 1 {
		t.Fatalf("expected approval.expired audit, got %d", n)
	}
	late, err := env.Engine.ResolveApproval(env.Ctx, a.ID, domain.DecisionApprove, "", env.Owner)
	if err != nil || !late.Replayed || late.Approval.Status != domain.ApprovalExpired {
		t.Fatalf("resolving an expired request must replay it: %+v %v", late, err)
	}
	if _, err := env.Engine.OverrideApproval(env.Ctx, a.ID, domain.DecisionApprove, "", env.Owner); err == nil {
		t.Fatalf("override without a reason must fail")
	}
	over, err := env.Engine.OverrideApproval(env.Ctx, a.ID, domain.DecisionApprove, "engine still blocked", env.Owner)
	if err != nil || over.Approval.Status != domain.ApprovalOverridden || over.Approval.DeliveryStatus != domain.DeliveryPending {
		t.Fatalf("override: %+v %v", over, err)
	}
}

func embeddedDelivery(seq int64, cp engine.Checkpoint) engine.EvidenceDelivery {
	return engine.EvidenceDelivery{
		ExecutionID: "E1", VentureID: "v1", Dimension: domain.Desirability, SourceSequence: seq,
		Evidence: resonance(0.3), Checkpoint: &cp,
	}
}

func TestEmbeddedCheckpointSurvivesStaleAndDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ingest(t, "v1", "E1", domain.Desirability, 5, resonance(0.72)); err != nil {
		t.Fatal(err)
	}

	stale, err := env.Engine.IngestEvidence(env.Ctx, embeddedDelivery(3, checkpoint("", "T1", domain.ApprovalCampaignLaunch, domain.RiskMedium)))
	var staleErr domain.StaleWriteError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected stale write, got %v", err)
	}
	if stale.Checkpoint == nil || !stale.Checkpoint.Created {
		t.Fatalf("stale delivery must still register its checkpoint, got %+v", stale.Checkpoint)
	}
	first, err := env.Engine.Repo.GetApprovalByLink(env.Ctx, nil, "E1", "T1")
	if err != nil || first.Status != domain.ApprovalPending {
		t.Fatalf("approval for stale delivery: %+v %v", first, err)
	}

	dup, err := env.Engine.IngestEvidence(env.Ctx, embeddedDelivery(5, checkpoint("", "T2", domain.ApprovalCampaignLaunch, domain.RiskMedium)))
	if err != nil || !dup.Duplicate {
		t.Fatalf("expected duplicate delivery, got %+v %v", dup, err)
	}
	if dup.Checkpoint == nil || !dup.Checkpoint.Created || dup.Checkpoint.Approval.TaskID != "T2" {
		t.Fatalf("duplicate delivery must still register its checkpoint, got %+v", dup.Checkpoint)
	}

	again, err := env.Engine.IngestEvidence(env.Ctx, embeddedDelivery(3, checkpoint("", "T1", domain.ApprovalCampaignLaunch, domain.RiskMedium)))
	if !errors.As(err, &staleErr) {
		t.Fatalf("stale redelivery: expected stale write, got %v", err)
	}
	if again.Checkpoint == nil || again.Checkpoint.Created || again.Checkpoint.Approval.ID != first.ID {
		t.Fatalf("redelivered checkpoint should map to %s, got %+v", first.ID, again.Checkpoint)
	}
	s, _ := env.Engine.GetState(env.Ctx, "v1")
	if s.Version != 2 {
		t.Fatalf("checkpoints must not touch the aggregate, version %d", s.Version)
	}
	if n := env.auditCount(t, "v1", domain.EventApprovalCreated); n != 2 {
		t.Fatalf("expected two approval.created events, got %d", n)
	}
}

func TestEmbeddedCheckpointValidatedBeforeMerge(t *testing.T) {
	env := newTestEnv(t)
	cp := checkpoint("", "T1", domain.ApprovalCampaignLaunch, domain.RiskMedium)
	cp.UrgencyDeadline = "tomorrow"
	_, err := env.Engine.IngestEvidence(env.Ctx, embeddedDelivery(1, cp))
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "urgencyDeadline" {
		t.Fatalf("expected urgencyDeadline validation error, got %v", err)
	}
	if _, err := env.Engine.GetState(env.Ctx, "v1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected delivery must not create the venture, got %v", err)
	}

	cp.UrgencyDeadline = "2024-01-02T00:00:00Z"
	res, err := env.Engine.IngestEvidence(env.Ctx, embeddedDelivery(1, cp))
	if err != nil {
		t.Fatalf("corrected delivery: %v", err)
	}
	if !res.Accepted || res.Duplicate || res.Checkpoint == nil || !res.Checkpoint.Created {
		t.Fatalf("expected accepted delivery with a new approval, got %+v", res)
	}
	want := repo.FormatTime(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if res.Checkpoint.Approval.ExpiresAt != want {
		t.Fatalf("expected expiry at the urgency deadline %s, got %s", want, res.Checkpoint.Approval.ExpiresAt)
	}
}

func TestConcurrentWritesKeepVersionAccounting(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateVenture(env.Ctx, "v1", env.Owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const sequences = 20
	const editors = 5
	dims := []domain.Dimension{domain.Desirability, domain.Feasibility, domain.Viability}

	var (
		accepted atomic.Int64
		ingested atomic.Int64
		edited   atomic.Int64
		wg       sync.WaitGroup
	)
	for _, dim := range dims {
		for seq := int64(1); seq <= sequences; seq++ {
			wg.Add(1)
			go func(dim domain.Dimension, seq int64) {
				defer wg.Done()
				res, err := env.ingest(t, "v1", "E1", dim, seq, resonance(float64(seq)/sequences))
				var stale domain.StaleWriteError
				switch {
				case errors.As(err, &stale):
				case err != nil:
					t.Errorf("ingest %s/%d: %v", dim, seq, err)
				case res.Accepted && !res.Duplicate:
					accepted.Add(1)
					ingested.Add(1)
				}
			}(dim, seq)
		}
	}
	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pivot := domain.PivotSegment
			for try := 0; try < 500; try++ {
				cur, err := env.Engine.GetState(env.Ctx, "v1")
				if err != nil {
					t.Errorf("read state: %v", err)
					return
				}
				version := cur.Version
				_, err = env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner,
					ExpectedVersion: &version, PivotRecommendation: &pivot, Reason: "concurrent edit"})
				var conflict domain.VersionConflict
				switch {
				case err == nil:
					accepted.Add(1)
					edited.Add(1)
					return
				case !errors.As(err, &conflict):
					t.Errorf("edit: %v", err)
					return
				}
			}
			t.Errorf("edit never landed")
		}()
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	view, err := env.Engine.GetVenture(env.Ctx, "v1")
	if err != nil {
		t.Fatalf("get venture: %v", err)
	}
	for _, dim := range dims {
		if got := view.Evidence[dim].SourceSequence; got != sequences {
			t.Fatalf("%s: expected sequence %d to win, got %d", dim, sequences, got)
		}
	}
	if edited.Load() != editors {
		t.Fatalf("expected %d edits, got %d", editors, edited.Load())
	}
	if want := created.Version + accepted.Load(); view.State.Version != want {
		t.Fatalf("expected version %d after %d accepted writes, got %d", want, accepted.Load(), view.State.Version)
	}
	if n := env.auditCount(t, "v1", domain.EventEvidenceAccepted); int64(n) != ingested.Load() {
		t.Fatalf("expected %d evidence.accepted events, got %d", ingested.Load(), n)
	}
	if n := env.auditCount(t, "v1", domain.EventStateUpdated); n != editors {
		t.Fatalf("expected %d state.updated events, got %d", editors, n)
	}

	racers := 6
	base := view.State.Version
	var winners, conflicts atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			expected := base
			pivot := domain.PivotValue
			_, err := env.Engine.ApplyUpdate(env.Ctx, engine.Update{VentureID: "v1", Actor: env.Owner,
				ExpectedVersion: &expected, PivotRecommendation: &pivot, Reason: "race"})
			var conflict domain.VersionConflict
			switch {
			case err == nil:
				winners.Add(1)
			case errors.As(err, &conflict):
				conflicts.Add(1)
			default:
				t.Errorf("racing edit: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 || conflicts.Load() != int64(racers-1) {
		t.Fatalf("expected one winner and %d conflicts, got %d and %d", racers-1, winners.Load(), conflicts.Load())
	}
	s, _ := env.Engine.GetState(env.Ctx, "v1")
	if s.Version != base+1 || s.PivotRecommendation != domain.PivotValue {
		t.Fatalf("expected version %d with value pivot, got %d %s", base+1, s.Version, s.PivotRecommendation)
	}
}

func TestPolicyRefreshIsAudited(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.ingest(t, "v1", "E1", domain.Desirability, 1, resonance(0.1))
	if err != nil {
		t.Fatal(err)
	}
	attempt, s, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner)
	if err != nil || attempt.Passed {
		t.Fatalf("expected failing attempt, got %+v %v", attempt, err)
	}
	if s.Version != res.NewVersion+1 || s.PolicyVersion != attempt.PolicyVersion {
		t.Fatalf("expected policy refresh at version %d, got %d (policy %d)", res.NewVersion+1, s.Version, s.PolicyVersion)
	}
	if n := env.auditCount(t, "v1", domain.EventStateUpdated); n != 1 {
		t.Fatalf("expected a state.updated event for the refresh, got %d", n)
	}
	_, s2, err := env.Engine.AttemptGate(env.Ctx, "v1", domain.Desirability, env.Owner)
	if err != nil || s2.Version != s.Version {
		t.Fatalf("same policy must not write again: %d -> %d (%v)", s.Version, s2.Version, err)
	}
	if n := env.auditCount(t, "v1", domain.EventStateUpdated); n != 1 {
		t.Fatalf("expected no further state.updated events, got %d", n)
	}
}
