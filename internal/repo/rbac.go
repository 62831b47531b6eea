package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, id, name, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		id, name, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, actorID, role string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actor_roles(actor_id,role) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, actorID, role string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
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

func (r Repo) ActorHasRole(ctx context.Context, actorID, role string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, role).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
