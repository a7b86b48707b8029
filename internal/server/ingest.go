package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"venturegate/internal/engine"
)

// payloadHash fingerprints the raw delivery for receipts and audit.
func payloadHash(ctx context.Context) string {
	sum := sha256.Sum256(bodyBytes(ctx))
	return hex.EncodeToString(sum[:])
}

func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-evidence",
		Method:        http.MethodPost,
		Path:          "/webhooks/evidence",
		Summary:       "Ingest an evidence update from the execution engine",
		Tags:          []string{"webhooks"},
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		Body EvidenceWebhookRequest `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		d, err := input.Body.delivery(payloadHash(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.IngestEvidence(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-checkpoint",
		Method:        http.MethodPost,
		Path:          "/webhooks/checkpoints",
		Summary:       "Register a blocking approval checkpoint",
		Description:   "Returns 201 for a new approval request and 200 with the existing one for a repeated (executionId, taskId).",
		Tags:          []string{"webhooks"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckpointRequest `json:"body"`
	}) (*struct {
		Status int
		Body   engine.CheckpointResult `json:"body"`
	}, error) {
		res, err := e.HandleCheckpoint(ctx, input.Body.checkpoint())
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if !res.Created {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   engine.CheckpointResult `json:"body"`
		}{Status: status, Body: res}, nil
	})
}
