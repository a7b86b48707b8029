package repo

import (
	"context"
	"database/sql"

	"venturegate/internal/domain"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeStale    = "stale"
)

// Receipt records how one (execution, dimension, sequence) delivery was handled.
type Receipt struct {
	ExecutionID    string
	Dimension      domain.Dimension
	SourceSequence int64
	VentureID      string
	Outcome        string
	Version        int64
	PayloadHash    string
	ReceivedAt     string
}

func (r Repo) GetReceipt(ctx context.Context, tx *sql.Tx, executionID string, dim domain.Dimension, seq int64) (Receipt, error) {
	var rc Receipt
	err := r.q(tx).QueryRowContext(ctx, `SELECT execution_id,dimension,source_sequence,venture_id,outcome,version,payload_hash,received_at
FROM ingest_receipts WHERE execution_id=? AND dimension=? AND source_sequence=?`, executionID, dim, seq).
		Scan(&rc.ExecutionID, &rc.Dimension, &rc.SourceSequence, &rc.VentureID, &rc.Outcome, &rc.Version, &rc.PayloadHash, &rc.ReceivedAt)
	return rc, notFound(err)
}

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rc Receipt) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ingest_receipts(execution_id,dimension,source_sequence,venture_id,outcome,version,payload_hash,received_at)
VALUES (?,?,?,?,?,?,?,?)`, rc.ExecutionID, rc.Dimension, rc.SourceSequence, rc.VentureID, rc.Outcome, rc.Version, rc.PayloadHash, rc.ReceivedAt)
	return err
}
