package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/repo"
)

func ventureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "venture",
		Short: "Manage ventures",
		Long:  "Create ventures, inspect their validation state and move them between phases by hand.",
	}
	cmd.AddCommand(ventureCreateCmd())
	cmd.AddCommand(ventureListCmd())
	cmd.AddCommand(ventureShowCmd())
	cmd.AddCommand(ventureStartCmd())
	cmd.AddCommand(ventureKillCmd())
	cmd.AddCommand(ventureRevertCmd())
	cmd.AddCommand(ventureEvidenceCmd())
	return cmd
}

func ventureCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <venture-id>",
		Short: "Create a venture in ideation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateVenture(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func ventureListCmd() *cobra.Command {
	var phase string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ventures",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Phase
			if phase != "" {
				parsed, err := domain.ParsePhase(phase)
				if err != nil {
					return err
				}
				p = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.ListStates(ctx, p, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(states))
				for _, s := range states {
					rows = append(rows, table.Row{s.VentureID, s.Phase, s.Version,
						s.DesirabilitySignal, s.FeasibilitySignal, s.ViabilitySignal, s.PivotRecommendation, s.UpdatedAt})
				}
				return printRows(states, table.Row{"Venture", "Phase", "Version", "Desirability", "Feasibility", "Viability", "Pivot", "Updated"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max ventures")
	return cmd
}

func ventureShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <venture-id>",
		Short: "Show state, evidence and current gate eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetVenture(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				s := view.State
				fmt.Printf("Venture: %s (%s, version %d)\n", s.VentureID, s.Phase, s.Version)
				fmt.Printf("Signals: desirability=%s feasibility=%s viability=%s\n", s.DesirabilitySignal, s.FeasibilitySignal, s.ViabilitySignal)
				fmt.Printf("Pivot: %s\n", s.PivotRecommendation)
				if view.Eligibility == nil {
					return nil
				}
				g := view.Eligibility
				fmt.Printf("Gate %s: %s (score %.2f, policy v%d)\n", g.Gate, g.Status, g.Score, g.PolicyVersion)
				for _, c := range g.FailingCriteria {
					fmt.Printf("  failing: %s\n", c.Name)
				}
				return nil
			})
		},
	}
}

func ventureStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <venture-id>",
		Short: "Move a venture from ideation to desirability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartValidation(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func ventureKillCmd() *cobra.Command {
	var reason string
	var expected int64
	cmd := &cobra.Command{
		Use:   "kill <venture-id>",
		Short: "Kill a venture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Kill(ctx, args[0], reason, optionalVersion(cmd, expected), principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the venture is killed")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the venture is at this version")
	return cmd
}

func ventureRevertCmd() *cobra.Command {
	var reason, phase string
	var expected int64
	cmd := &cobra.Command{
		Use:   "revert <venture-id>",
		Short: "Move a venture back to an earlier phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParsePhase(phase)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RevertPhase(ctx, args[0], target, reason, optionalVersion(cmd, expected), principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "target phase")
	cmd.Flags().StringVar(&reason, "reason", "", "why the venture moves back")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the venture is at this version")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func ventureEvidenceCmd() *cobra.Command {
	var dimension string
	var limit int
	cmd := &cobra.Command{
		Use:   "evidence <venture-id>",
		Short: "Show accepted evidence writes, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.EvidenceHistory(ctx, args[0], domain.Dimension(dimension), limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	cmd.Flags().StringVar(&dimension, "dimension", "", "dimension filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Edit validation state",
	}
	cmd.AddCommand(statePatchCmd())
	return cmd
}

func statePatchCmd() *cobra.Command {
	var dimension, evidenceFile, pivot, reason string
	var expected int64
	cmd := &cobra.Command{
		Use:   "patch <venture-id>",
		Short: "Replace a dimension's evidence or the pivot recommendation",
		Long:  "Manual edits need --expected-version; a stale version fails with a conflict and nothing is written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.Update{
				VentureID:       args[0],
				ExpectedVersion: optionalVersion(cmd, expected),
				Actor:           principal(),
				Reason:          reason,
			}
			if evidenceFile != "" {
				dim, err := domain.ParseDimension(dimension)
				if err != nil {
					return err
				}
				ev, err := readEvidence(evidenceFile)
				if err != nil {
					return err
				}
				u.Evidence = &engine.EvidenceWrite{Dimension: dim, Evidence: ev}
			}
			if pivot != "" {
				p, err := domain.ParsePivot(pivot)
				if err != nil {
					return err
				}
				u.PivotRecommendation = &p
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyUpdate(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&dimension, "dimension", "", "evidence dimension")
	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "path to a JSON evidence object (- for stdin)")
	cmd.Flags().StringVar(&pivot, "pivot", "", "pivot recommendation")
	cmd.Flags().StringVar(&reason, "reason", "", "edit reason")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version the edit is based on")
	return cmd
}

func readEvidence(path string) (domain.Evidence, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.Evidence{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Evidence{}, fmt.Errorf("evidence must be a JSON object: %w", err)
	}
	return domain.ParseEvidence(raw)
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Attempt and override phase gates",
	}
	cmd.AddCommand(gateAttemptCmd())
	cmd.AddCommand(gateOverrideCmd())
	cmd.AddCommand(gateHistoryCmd())
	return cmd
}

func gateAttemptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempt <venture-id> <gate>",
		Short: "Evaluate a gate and advance the venture when it passes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := domain.ParseDimension(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attempt, state, err := e.AttemptGate(ctx, args[0], gate, principal())
				if err != nil {
					return err
				}
				return printAttempt(attempt, state)
			})
		},
	}
}

func gateOverrideCmd() *cobra.Command {
	var justification, approver string
	cmd := &cobra.Command{
		Use:   "override <venture-id> <gate>",
		Short: "Advance past a failing gate with a recorded justification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := domain.ParseDimension(args[1])
			if err != nil {
				return err
			}
			if approver == "" {
				approver = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attempt, state, err := e.OverrideGate(ctx, args[0], gate, justification, approver, principal())
				if err != nil {
					return err
				}
				return printAttempt(attempt, state)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "why the gate is overridden")
	cmd.Flags().StringVar(&approver, "approver", "", "approver id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func printAttempt(a domain.GateAttempt, s domain.ValidationState) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"attempt": a, "state": s})
	}
	fmt.Printf("Gate %s: %s (score %.2f, policy v%d)\n", a.Gate, a.Status, a.Score, a.PolicyVersion)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Criterion", "Expected", "Actual", "Satisfied"})
	for _, c := range a.Criteria {
		tw.AppendRow(table.Row{c.Name, c.Expected, c.Actual, c.Satisfied})
	}
	tw.Render()
	fmt.Printf("Venture %s is in %s at version %d\n", s.VentureID, s.Phase, s.Version)
	return nil
}

func gateHistoryCmd() *cobra.Command {
	var gate string
	cmd := &cobra.Command{
		Use:   "history <venture-id>",
		Short: "List gate attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attempts, err := e.ListAttempts(ctx, args[0], domain.Dimension(gate))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(attempts))
				for _, a := range attempts {
					rows = append(rows, table.Row{a.ID, a.Gate, a.Status, fmt.Sprintf("%.2f", a.Score), a.Overridden, a.ActorID, a.AttemptedAt})
				}
				return printRows(attempts, table.Row{"ID", "Gate", "Status", "Score", "Override", "Actor", "At"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&gate, "gate", "", "gate filter")
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review checkpoint approvals",
	}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalShowCmd())
	cmd.AddCommand(approvalResolveCmd(false))
	cmd.AddCommand(approvalResolveCmd(true))
	cmd.AddCommand(approvalRedeliverCmd())
	cmd.AddCommand(approvalExpireCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ApprovalStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.VentureID, a.Type, a.Status, a.DeliveryStatus, a.ExpiresAt})
				}
				return printRows(items, table.Row{"ID", "Venture", "Type", "Status", "Delivery", "Expires"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.VentureID, "venture", "", "venture filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max approvals")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <approval-id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

// approvalResolveCmd builds "resolve" or, for expired requests, "override".
func approvalResolveCmd(override bool) *cobra.Command {
	var decision, feedback string
	use, short := "resolve", "Approve or reject a pending request"
	if override {
		use, short = "override", "Decide an expired request"
	}
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDecision(decision)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resolve := e.ResolveApproval
				if override {
					resolve = e.OverrideApproval
				}
				res, err := resolve(ctx, args[0], d, feedback, principal())
				if err != nil {
					return err
				}
				if err := res.Err(); err != nil && !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "%v: stored decision is %s\n", err, res.Approval.Decision)
				}
				return printJSONOrTable(res.Approval)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback sent to the engine")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func approvalRedeliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <approval-id>",
		Short: "Retry an exhausted resume delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Redeliver(ctx, args[0], principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func approvalExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire pending approvals past their deadline now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireDue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": n})
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var f repo.AuditFilter
	var types string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
		Long:  "Every state transition, gate attempt, policy import and approval decision in sequence order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if types != "" {
				f.EventTypes = strings.Split(types, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.AuditTrail(ctx, f, principal())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					rows = append(rows, table.Row{evt.Seq, evt.Timestamp, evt.EventType, evt.VentureID, evt.Actor})
				}
				return printRows(events, table.Row{"Seq", "At", "Type", "Venture", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.VentureID, "venture", "", "venture filter")
	cmd.Flags().StringVar(&types, "type", "", "comma separated event types")
	cmd.Flags().Int64Var(&f.AfterSeq, "after", 0, "only events after this seq")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max events")
	return cmd
}
