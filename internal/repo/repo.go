package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pharmaline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicateOperation marks a replayed client operation id.
var ErrDuplicateOperation = errors.New("operation already applied")

// --- products ---

func (r Repo) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO products(id,name,type,tablet_type,coated,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Type, nullable(p.TabletType), boolInt(p.Coated), p.CreatedAt)
	return err
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	var p domain.Product
	var tabletType sql.NullString
	var coated int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,type,tablet_type,coated,created_at FROM products WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Type, &tabletType, &coated, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if tabletType.Valid {
		p.TabletType = tabletType.String
	}
	p.Coated = coated != 0
	return p, nil
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,COALESCE(tablet_type,''),coated,created_at FROM products ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		var p domain.Product
		var coated int
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.TabletType, &coated, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Coated = coated != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- batches ---

const batchColumns = `id,batch_number,product_id,batch_size,COALESCE(batch_size_unit,''),status,created_by,created_at,approved_by,approved_at,completed_at`

func scanBatch(row *sql.Row) (domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(&b.ID, &b.BatchNumber, &b.ProductID, &b.BatchSize, &b.BatchSizeUnit, &b.Status,
		&b.CreatedBy, &b.CreatedAt, &b.ApprovedBy, &b.ApprovedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(id,batch_number,product_id,batch_size,batch_size_unit,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.BatchNumber, b.ProductID, b.BatchSize, nullable(b.BatchSizeUnit), b.Status, b.CreatedBy, b.CreatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id))
}

func (r Repo) GetBatchByNumber(ctx context.Context, number string) (domain.Batch, error) {
	return scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_number=?`, number))
}

func (r Repo) UpdateBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=?,approved_by=?,approved_at=?,completed_at=? WHERE id=?`,
		b.Status, b.ApprovedBy, b.ApprovedAt, b.CompletedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListBatches(ctx context.Context, status string) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.BatchNumber, &b.ProductID, &b.BatchSize, &b.BatchSizeUnit, &b.Status,
			&b.CreatedBy, &b.CreatedAt, &b.ApprovedBy, &b.ApprovedAt, &b.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountBatchesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- phase plans ---

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, batchID string, plan []domain.PhaseDefinition) error {
	for _, def := range plan {
		if _, err := tx.ExecContext(ctx, `INSERT INTO phase_plans(batch_id,position,name,machine_type,qc_required,rollback_to) VALUES (?,?,?,?,?,?)`,
			batchID, def.Position, def.Name, nullable(def.MachineType), boolInt(def.QCRequired), nullable(def.RollbackTo)); err != nil {
			return fmt.Errorf("insert plan position %d: %w", def.Position, err)
		}
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, batchID string) ([]domain.PhaseDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT position,name,COALESCE(machine_type,''),qc_required,COALESCE(rollback_to,'') FROM phase_plans WHERE batch_id=? ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plan []domain.PhaseDefinition
	for rows.Next() {
		var def domain.PhaseDefinition
		var qc int
		if err := rows.Scan(&def.Position, &def.Name, &def.MachineType, &qc, &def.RollbackTo); err != nil {
			return nil, err
		}
		def.QCRequired = qc != 0
		plan = append(plan, def)
	}
	return plan, rows.Err()
}

// --- phase executions ---

const executionColumns = `id,batch_id,position,attempt,phase_name,status,qc_required,COALESCE(machine_type,''),
started_by,started_at,completed_by,completed_at,machine_id,
breakdown_start,breakdown_end,COALESCE(breakdown_reason,''),
changeover_start,changeover_end,COALESCE(changeover_reason,''),
qc_approved,qc_approved_by,qc_approved_at,COALESCE(rejection_reason,''),process_data_json,COALESCE(comments,'')`

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row executionScanner) (domain.PhaseExecution, error) {
	var ex domain.PhaseExecution
	var qcRequired int
	var qcApproved sql.NullInt64
	var bdStart, bdEnd, coStart, coEnd sql.NullString
	var bdReason, coReason string
	err := row.Scan(&ex.ID, &ex.BatchID, &ex.Position, &ex.Attempt, &ex.PhaseName, &ex.Status, &qcRequired, &ex.MachineType,
		&ex.StartedBy, &ex.StartedAt, &ex.CompletedBy, &ex.CompletedAt, &ex.MachineID,
		&bdStart, &bdEnd, &bdReason,
		&coStart, &coEnd, &coReason,
		&qcApproved, &ex.QCApprovedBy, &ex.QCApprovedAt, &ex.RejectionReason, &ex.ProcessDataJSON, &ex.Comments)
	if err == sql.ErrNoRows {
		return ex, ErrNotFound
	}
	if err != nil {
		return ex, err
	}
	ex.QCRequired = qcRequired != 0
	if qcApproved.Valid {
		v := qcApproved.Int64 != 0
		ex.QCApproved = &v
	}
	if bdStart.Valid {
		ex.Breakdown = &domain.Interval{Start: bdStart.String, Reason: bdReason}
		if bdEnd.Valid {
			ex.Breakdown.End = bdEnd.String
		}
	}
	if coStart.Valid {
		ex.Changeover = &domain.Interval{Start: coStart.String, Reason: coReason}
		if coEnd.Valid {
			ex.Changeover.End = coEnd.String
		}
	}
	return ex, nil
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, ex domain.PhaseExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_executions(id,batch_id,position,attempt,phase_name,status,qc_required,machine_type) VALUES (?,?,?,?,?,?,?,?)`,
		ex.ID, ex.BatchID, ex.Position, ex.Attempt, ex.PhaseName, ex.Status, boolInt(ex.QCRequired), nullable(ex.MachineType))
	return err
}

func (r Repo) UpdateExecutionTx(ctx context.Context, tx *sql.Tx, ex domain.PhaseExecution) error {
	var bdStart, bdEnd, bdReason, coStart, coEnd, coReason any
	if ex.Breakdown != nil {
		bdStart, bdReason = ex.Breakdown.Start, nullable(ex.Breakdown.Reason)
		bdEnd = nullable(ex.Breakdown.End)
	}
	if ex.Changeover != nil {
		coStart, coReason = ex.Changeover.Start, nullable(ex.Changeover.Reason)
		coEnd = nullable(ex.Changeover.End)
	}
	var qcApproved any
	if ex.QCApproved != nil {
		qcApproved = boolInt(*ex.QCApproved)
	}
	res, err := tx.ExecContext(ctx, `UPDATE phase_executions SET
status=?,started_by=?,started_at=?,completed_by=?,completed_at=?,machine_id=?,
breakdown_start=?,breakdown_end=?,breakdown_reason=?,
changeover_start=?,changeover_end=?,changeover_reason=?,
qc_approved=?,qc_approved_by=?,qc_approved_at=?,rejection_reason=?,process_data_json=?,comments=?
WHERE id=?`,
		ex.Status, ex.StartedBy, ex.StartedAt, ex.CompletedBy, ex.CompletedAt, ex.MachineID,
		bdStart, bdEnd, bdReason,
		coStart, coEnd, coReason,
		qcApproved, ex.QCApprovedBy, ex.QCApprovedAt, nullable(ex.RejectionReason), ex.ProcessDataJSON, nullable(ex.Comments),
		ex.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.PhaseExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM phase_executions WHERE id=?`, id))
}

// CurrentExecutions returns the latest attempt per plan position in order.
func (r Repo) CurrentExecutions(ctx context.Context, batchID string) ([]domain.PhaseExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM phase_executions pe
WHERE batch_id=? AND attempt=(SELECT MAX(attempt) FROM phase_executions WHERE batch_id=pe.batch_id AND position=pe.position)
ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// ListExecutions returns every attempt, the full phase history of a batch.
func (r Repo) ListExecutions(ctx context.Context, batchID string) ([]domain.PhaseExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM phase_executions WHERE batch_id=? ORDER BY position, attempt`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// MachineBusy reports whether a machine is attached to any in-progress execution.
func (r Repo) MachineBusy(ctx context.Context, machineID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM phase_executions WHERE machine_id=? AND status='in_progress' LIMIT 1`, machineID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, batchID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(batch_id,''),COALESCE(phase_name,''),actor_id,payload_json FROM events`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id=?`
		args = append(args, batchID)
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
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BatchID, &e.PhaseName, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- operations (idempotency) ---

// RecordOperationTx notes a client-supplied operation id. Returns
// ErrDuplicateOperation when the id was already applied.
func (r Repo) RecordOperationTx(ctx context.Context, tx *sql.Tx, opID, batchID, command, now string) error {
	if opID == "" {
		return nil
	}
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT command FROM operations WHERE id=?`, opID).Scan(&existing)
	if err == nil {
		return ErrDuplicateOperation
	}
	if err != sql.ErrNoRows {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO operations(id,batch_id,command,applied_at) VALUES (?,?,?,?)`,
		opID, batchID, command, now)
	return err
}

// GetOperationBatch resolves an applied operation id to its batch.
func (r Repo) GetOperationBatch(ctx context.Context, opID string) (string, error) {
	var batchID string
	err := r.DB.QueryRowContext(ctx, `SELECT batch_id FROM operations WHERE id=?`, opID).Scan(&batchID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return batchID, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
