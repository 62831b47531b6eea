package repo

import (
	"context"
	"database/sql"

	"pharmaline/internal/domain"
)

func (r Repo) InsertMachine(ctx context.Context, m domain.Machine) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO machines(id,name,machine_type,active,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Name, m.MachineType, boolInt(m.Active), m.CreatedAt)
	return err
}

func (r Repo) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	var m domain.Machine
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,machine_type,active,created_at FROM machines WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.MachineType, &active, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Active = active != 0
	return m, nil
}

func (r Repo) ListMachines(ctx context.Context, machineType string) ([]domain.Machine, error) {
	query := `SELECT id,name,machine_type,active,created_at FROM machines`
	var args []any
	if machineType != "" {
		query += ` WHERE machine_type=?`
		args = append(args, machineType)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		var m domain.Machine
		var active int
		if err := rows.Scan(&m.ID, &m.Name, &m.MachineType, &active, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Active = active != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMachineActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE machines SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
