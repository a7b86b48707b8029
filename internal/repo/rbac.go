package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(actor_id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID, role, now string) error {
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role, granted_at) VALUES (?,?,?)`, actorID, role, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Grant is one actor/role assignment.
type Grant struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	GrantedAt string `json:"granted_at"`
}

func (r Repo) ListGrants(ctx context.Context) ([]Grant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role, granted_at FROM actor_roles ORDER BY actor_id, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ActorID, &g.Role, &g.GrantedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
