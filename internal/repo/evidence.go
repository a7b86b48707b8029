package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"venturegate/internal/domain"
)

// StoredContainer is a container plus the ordinal of the execution that wrote it.
type StoredContainer struct {
	domain.EvidenceContainer
	ExecutionOrdinal int64
}

const containerColumns = `venture_id,dimension,execution_id,execution_ordinal,source_sequence,evidence_json,updated_by,received_at`

func scanContainer(row rowScanner) (StoredContainer, error) {
	var c StoredContainer
	var payload string
	err := row.Scan(&c.VentureID, &c.Dimension, &c.ExecutionID, &c.ExecutionOrdinal, &c.SourceSequence, &payload, &c.UpdatedBy, &c.ReceivedAt)
	if err != nil {
		return c, notFound(err)
	}
	if err := json.Unmarshal([]byte(payload), &c.Evidence); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) GetContainer(ctx context.Context, tx *sql.Tx, ventureID string, dim domain.Dimension) (StoredContainer, error) {
	return scanContainer(r.q(tx).QueryRowContext(ctx, `SELECT `+containerColumns+` FROM evidence_containers WHERE venture_id=? AND dimension=?`, ventureID, dim))
}

// ListContainers returns the venture's containers keyed by dimension.
func (r Repo) ListContainers(ctx context.Context, tx *sql.Tx, ventureID string) (map[domain.Dimension]domain.EvidenceContainer, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+containerColumns+` FROM evidence_containers WHERE venture_id=?`, ventureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Dimension]domain.EvidenceContainer{}
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		res[c.Dimension] = c.EvidenceContainer
	}
	return res, rows.Err()
}

// ReplaceContainer swaps the stored container wholesale.
func (r Repo) ReplaceContainer(ctx context.Context, tx *sql.Tx, c StoredContainer) error {
	payload, err := json.Marshal(c.Evidence)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO evidence_containers(`+containerColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(venture_id, dimension) DO UPDATE SET execution_id=excluded.execution_id, execution_ordinal=excluded.execution_ordinal,
source_sequence=excluded.source_sequence, evidence_json=excluded.evidence_json, updated_by=excluded.updated_by, received_at=excluded.received_at`,
		c.VentureID, c.Dimension, c.ExecutionID, c.ExecutionOrdinal, c.SourceSequence, string(payload), c.UpdatedBy, c.ReceivedAt)
	return err
}

func (r Repo) InsertEvidenceHistory(ctx context.Context, tx *sql.Tx, rec domain.EvidenceRecord) error {
	payload, err := json.Marshal(rec.Evidence)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO evidence_history(venture_id,dimension,execution_id,source_sequence,version,evidence_json,received_at) VALUES (?,?,?,?,?,?,?)`,
		rec.VentureID, rec.Dimension, rec.ExecutionID, rec.SourceSequence, rec.Version, string(payload), rec.ReceivedAt)
	return err
}

// ListEvidenceHistory returns accepted containers newest first. An empty dim lists every dimension.
func (r Repo) ListEvidenceHistory(ctx context.Context, ventureID string, dim domain.Dimension, limit int) ([]domain.EvidenceRecord, error) {
	query := `SELECT id,venture_id,dimension,execution_id,source_sequence,version,evidence_json,received_at FROM evidence_history WHERE venture_id=?`
	args := []any{ventureID}
	if dim != "" {
		query += ` AND dimension=?`
		args = append(args, dim)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidenceRecord
	for rows.Next() {
		var rec domain.EvidenceRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.VentureID, &rec.Dimension, &rec.ExecutionID, &rec.SourceSequence, &rec.Version, &payload, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Evidence); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
