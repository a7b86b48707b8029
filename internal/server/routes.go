package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/policy"
	"venturegate/internal/repo"
)

type stateOutput struct {
	Body domain.ValidationState `json:"body"`
}

type approvalOutput struct {
	Body ApprovalResponse `json:"body"`
}

type ventureInput struct {
	VentureID string `path:"venture_id"`
}

type gateInput struct {
	VentureID string `path:"venture_id"`
	Gate      string `path:"gate" enum:"desirability,feasibility,viability"`
}

type approvalInput struct {
	ApprovalID string `path:"approval_id"`
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerVentures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-venture",
		Method:        http.MethodPost,
		Path:          "/ventures",
		Summary:       "Create venture",
		Tags:          []string{"ventures"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateVentureRequest `json:"body"`
	}) (*stateOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateVenture(ctx, input.Body.ID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ventures",
		Method:      http.MethodGet,
		Path:        "/ventures",
		Summary:     "List ventures",
		Tags:        []string{"ventures"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase" enum:"ideation,desirability,feasibility,viability,validated,killed"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.ValidationState `json:"body"`
	}, error) {
		items, err := e.ListStates(ctx, domain.Phase(input.Phase), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ValidationState{}
		}
		return &struct {
			Body []domain.ValidationState `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-venture",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}",
		Summary:     "Current validation state, evidence and gate eligibility",
		Tags:        []string{"ventures"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ventureInput) (*struct {
		Body engine.VentureView `json:"body"`
	}, error) {
		view, err := e.GetVenture(ctx, input.VentureID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VentureView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-venture-state",
		Method:      http.MethodPatch,
		Path:        "/ventures/{venture_id}",
		Summary:     "Manual state edit",
		Description: "Requires expectedVersion. A mismatch returns 409 version_conflict with the current version.",
		Tags:        []string{"ventures"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		VentureID string             `path:"venture_id"`
		Body      UpdateStateRequest `json:"body"`
	}) (*struct {
		Body engine.UpdateResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u := engine.Update{
			VentureID:       input.VentureID,
			ExpectedVersion: input.Body.ExpectedVersion,
			Actor:           principal,
			Reason:          input.Body.Reason,
		}
		if ev := input.Body.Evidence; ev != nil {
			u.Evidence = &engine.EvidenceWrite{
				Dimension:   domain.Dimension(ev.Dimension),
				Evidence:    ev.Evidence,
				PayloadHash: payloadHash(ctx),
			}
		}
		if input.Body.PivotRecommendation != "" {
			p, err := domain.ParsePivot(input.Body.PivotRecommendation)
			if err != nil {
				return nil, handleError(err)
			}
			u.PivotRecommendation = &p
		}
		res, err := e.ApplyUpdate(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.UpdateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-validation",
		Method:      http.MethodPost,
		Path:        "/ventures/{venture_id}/start",
		Summary:     "Move a venture from ideation into desirability",
		Tags:        []string{"ventures"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *ventureInput) (*stateOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartValidation(ctx, input.VentureID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-venture",
		Method:      http.MethodPost,
		Path:        "/ventures/{venture_id}/kill",
		Summary:     "Kill venture",
		Tags:        []string{"ventures"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		VentureID string            `path:"venture_id"`
		Body      TransitionRequest `json:"body"`
	}) (*stateOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Kill(ctx, input.VentureID, input.Body.Reason, input.Body.ExpectedVersion, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-phase",
		Method:      http.MethodPost,
		Path:        "/ventures/{venture_id}/revert",
		Summary:     "Move a venture back to an earlier phase",
		Tags:        []string{"ventures"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		VentureID string        `path:"venture_id"`
		Body      RevertRequest `json:"body"`
	}) (*stateOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RevertPhase(ctx, input.VentureID, domain.Phase(input.Body.Phase), input.Body.Reason, input.Body.ExpectedVersion, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evidence-history",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}/evidence/history",
		Summary:     "Accepted evidence containers, newest first",
		Tags:        []string{"ventures"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VentureID string `path:"venture_id"`
		Dimension string `query:"dimension" enum:"desirability,feasibility,viability"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.EvidenceRecord `json:"body"`
	}, error) {
		items, err := e.EvidenceHistory(ctx, input.VentureID, domain.Dimension(input.Dimension), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.EvidenceRecord{}
		}
		return &struct {
			Body []domain.EvidenceRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attempt-gate",
		Method:        http.MethodPost,
		Path:          "/ventures/{venture_id}/gates/{gate}/attempts",
		Summary:       "Evaluate a gate and record the attempt",
		Description:   "A failed attempt is a 201 with passed=false and every failing criterion listed.",
		Tags:          []string{"gates"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *gateInput) (*struct {
		Body GateAttemptResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attempt, state, err := e.AttemptGate(ctx, input.VentureID, domain.Dimension(input.Gate), principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateAttemptResponse `json:"body"`
		}{Body: GateAttemptResponse{Attempt: attempt, State: state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "override-gate",
		Method:        http.MethodPost,
		Path:          "/ventures/{venture_id}/gates/{gate}/override",
		Summary:       "Advance past a failing gate with a justification",
		Tags:          []string{"gates"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		VentureID string              `path:"venture_id"`
		Gate      string              `path:"gate" enum:"desirability,feasibility,viability"`
		Body      OverrideGateRequest `json:"body"`
	}) (*struct {
		Body GateAttemptResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attempt, state, err := e.OverrideGate(ctx, input.VentureID, domain.Dimension(input.Gate),
			input.Body.Justification, input.Body.ApproverID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateAttemptResponse `json:"body"`
		}{Body: GateAttemptResponse{Attempt: attempt, State: state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-attempts",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}/gate-attempts",
		Summary:     "Gate attempt history",
		Tags:        []string{"gates"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VentureID string `path:"venture_id"`
		Gate      string `query:"gate" enum:"desirability,feasibility,viability"`
	}) (*struct {
		Body []domain.GateAttempt `json:"body"`
	}, error) {
		items, err := e.ListAttempts(ctx, input.VentureID, domain.Dimension(input.Gate))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.GateAttempt{}
		}
		return &struct {
			Body []domain.GateAttempt `json:"body"`
		}{Body: items}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Tags:        []string{"approvals"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,approved,rejected,overridden,expired"`
		VentureID string `query:"venture_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		items, err := e.ListApprovals(ctx, repo.ApprovalFilter{
			Status:    domain.ApprovalStatus(input.Status),
			VentureID: input.VentureID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ApprovalRequest{}
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval request",
		Tags:        []string{"approvals"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *approvalInput) (*approvalOutput, error) {
		a, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: ApprovalResponse{ApprovalRequest: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Approve or reject a pending request",
		Description: "Resolving an already resolved request returns the original decision with replayed=true.",
		Tags:        []string{"approvals"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*approvalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveApproval(ctx, input.ApprovalID, domain.Decision(input.Body.Decision), input.Body.Feedback, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: ApprovalResponse{ApprovalRequest: res.Approval, Replayed: res.Replayed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/override",
		Summary:     "Operator decision on a pending or expired request",
		Tags:        []string{"approvals"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       ResolveApprovalRequest `json:"body"`
	}) (*approvalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.OverrideApproval(ctx, input.ApprovalID, domain.Decision(input.Body.Decision), input.Body.Feedback, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: ApprovalResponse{ApprovalRequest: res.Approval, Replayed: res.Replayed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeliver-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/redeliver",
		Summary:     "Retry an exhausted resume delivery",
		Tags:        []string{"approvals"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *approvalInput) (*approvalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Redeliver(ctx, input.ApprovalID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: ApprovalResponse{ApprovalRequest: a}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	type auditQuery struct {
		EventType string `query:"event_type"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit"`
	}
	type auditOutput struct {
		Body []domain.AuditEvent `json:"body"`
	}
	list := func(ctx context.Context, ventureID string, q auditQuery) (*auditOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.AuditFilter{VentureID: ventureID, AfterSeq: q.After, Limit: normalizeLimit(q.Limit)}
		if q.EventType != "" {
			f.EventTypes = []string{q.EventType}
		}
		items, err := e.AuditTrail(ctx, f, principal)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditEvent{}
		}
		return &auditOutput{Body: items}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "venture-audit",
		Method:      http.MethodGet,
		Path:        "/ventures/{venture_id}/audit",
		Summary:     "Audit trail of one venture, oldest first",
		Tags:        []string{"audit"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		VentureID string `path:"venture_id"`
		EventType string `query:"event_type"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit"`
	}) (*auditOutput, error) {
		return list(ctx, input.VentureID, auditQuery{EventType: input.EventType, After: input.After, Limit: input.Limit})
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail across ventures, oldest first",
		Tags:        []string{"audit"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *auditQuery) (*auditOutput, error) {
		return list(ctx, "", *input)
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	type policyOutput struct {
		Body policy.Policy `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Active gate policy",
		Tags:        []string{"policy"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*policyOutput, error) {
		p, err := e.ActivePolicy(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-policy",
		Method:      http.MethodPut,
		Path:        "/policy",
		Summary:     "Import a gate policy as a new version",
		Description: "An identical document keeps the current version.",
		Tags:        []string{"policy"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body policy.Document `json:"body"`
	}) (*policyOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, _, err := e.ImportPolicy(ctx, input.Body, "api:"+principal.ActorID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: p}, nil
	})
}
