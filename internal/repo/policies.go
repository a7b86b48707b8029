package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"venturegate/internal/policy"
)

// ImportPolicy stores doc as a new version unless an identical document already exists,
// in which case that version is returned with created=false.
func (r Repo) ImportPolicy(ctx context.Context, tx *sql.Tx, doc policy.Document, source, now string) (policy.Policy, bool, error) {
	hash := doc.Hash()
	q := r.q(tx)
	existing, err := scanPolicy(q.QueryRowContext(ctx, `SELECT version,content_hash,document_json,source,created_at FROM gate_policies WHERE content_hash=?`, hash))
	if err == nil {
		return existing, false, nil
	}
	if err != ErrNotFound {
		return policy.Policy{}, false, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return policy.Policy{}, false, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO gate_policies(content_hash,document_json,source,created_at) VALUES (?,?,?,?)`, hash, string(payload), source, now)
	if err != nil {
		return policy.Policy{}, false, err
	}
	version, err := res.LastInsertId()
	if err != nil {
		return policy.Policy{}, false, err
	}
	return policy.Policy{Version: version, Hash: hash, Source: source, CreatedAt: now, Document: doc}, true, nil
}

func scanPolicy(row rowScanner) (policy.Policy, error) {
	var p policy.Policy
	var payload string
	if err := row.Scan(&p.Version, &p.Hash, &payload, &p.Source, &p.CreatedAt); err != nil {
		return p, notFound(err)
	}
	if err := json.Unmarshal([]byte(payload), &p.Document); err != nil {
		return p, err
	}
	return p, nil
}

// ActivePolicy returns the latest policy version.
func (r Repo) ActivePolicy(ctx context.Context, tx *sql.Tx) (policy.Policy, error) {
	return scanPolicy(r.q(tx).QueryRowContext(ctx, `SELECT version,content_hash,document_json,source,created_at FROM gate_policies ORDER BY version DESC LIMIT 1`))
}

func (r Repo) GetPolicy(ctx context.Context, version int64) (policy.Policy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, `SELECT version,content_hash,document_json,source,created_at FROM gate_policies WHERE version=?`, version))
}

func (r Repo) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,content_hash,document_json,source,created_at FROM gate_policies ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
