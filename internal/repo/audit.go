package repo

import (
	"context"
	"encoding/json"
	"strings"

	"venturegate/internal/domain"
)

// InsertAuditEvent appends evt. Re-inserting an id that already exists is a no-op.
func (r Repo) InsertAuditEvent(ctx context.Context, evt domain.AuditEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO audit_events(id,venture_id,event_type,actor,payload_hash,before_json,after_json,payload_json,ts)
VALUES (?,?,?,?,?,?,?,?,?)`, evt.ID, evt.VentureID, evt.EventType, evt.Actor, evt.PayloadHash,
		rawOrNil(evt.Before), rawOrNil(evt.After), rawOrNil(evt.Payload), evt.Timestamp)
	return err
}

func rawOrNil(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

// AuditFilter narrows ListAuditEvents. AfterSeq pages forward.
type AuditFilter struct {
	VentureID  string
	EventTypes []string
	AfterSeq   int64
	Limit      int
}

func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilter) ([]domain.AuditEvent, error) {
	clauses := []string{"seq>?"}
	args := []any{f.AfterSeq}
	if f.VentureID != "" {
		clauses = append(clauses, "venture_id=?")
		args = append(args, f.VentureID)
	}
	if len(f.EventTypes) > 0 {
		marks := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			marks[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT seq,id,venture_id,event_type,actor,payload_hash,COALESCE(before_json,''),COALESCE(after_json,''),COALESCE(payload_json,''),ts
FROM audit_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var evt domain.AuditEvent
		var before, after, payload string
		if err := rows.Scan(&evt.Seq, &evt.ID, &evt.VentureID, &evt.EventType, &evt.Actor, &evt.PayloadHash, &before, &after, &payload, &evt.Timestamp); err != nil {
			return nil, err
		}
		evt.Before = rawMessage(before)
		evt.After = rawMessage(after)
		evt.Payload = rawMessage(payload)
		res = append(res, evt)
	}
	return res, rows.Err()
}

func rawMessage(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// CountAuditEvents counts events of one type for a venture.
func (r Repo) CountAuditEvents(ctx context.Context, ventureID, eventType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE venture_id=? AND event_type=?`, ventureID, eventType).Scan(&n)
	return n, err
}
