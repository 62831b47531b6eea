package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Role names. Phase commands additionally resolve an operator role
// through PhaseRole.
const (
	RoleAdmin      = "admin"
	RoleQA         = "qa"
	RoleQC         = "qc"
	RoleRegulatory = "regulatory"
	RoleQuarantine = "quarantine"
	RoleProduction = "production"
	RoleStore      = "store"
	RoleDispensing = "dispensing"
	RolePacking    = "packing"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

var phaseRoles = map[string]string{
	"raw_material_release":       RoleStore,
	"material_dispensing":        RoleDispensing,
	"mixing":                     RoleProduction,
	"granulation":                RoleProduction,
	"blending":                   RoleProduction,
	"compression":                RoleProduction,
	"sorting":                    RoleProduction,
	"coating":                    RoleProduction,
	"drying":                     RoleProduction,
	"filling":                    RoleProduction,
	"tube_filling":               RoleProduction,
	"packaging_material_release": RoleStore,
	"blister_packing":            RolePacking,
	"bulk_packing":               RolePacking,
	"secondary_packaging":        RolePacking,
	"final_qa":                   RoleQA,
	"finished_goods_store":       RoleStore,
}

// PhaseRole maps a phase to the operator role allowed to execute it.
func PhaseRole(phaseName string) string {
	if role, ok := phaseRoles[phaseName]; ok {
		return role
	}
	return RoleProduction
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasRole(ctx context.Context, tx *sql.Tx, actorID, role string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireRole checks actorID for role; admin satisfies every check.
func (s Service) RequireRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	ok, err := s.ActorHasRole(ctx, tx, actorID, RoleAdmin)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ok, err = s.ActorHasRole(ctx, tx, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
