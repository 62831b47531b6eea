package repo

import (
	"context"
	"database/sql"

	"pharmaline/internal/domain"
)

const quarantineColumns = `id,batch_id,phase_execution_id,phase_name,status,COALESCE(reason,''),rollback_to,sample_count,quarantined_at,released_at,released_by`

func scanQuarantine(row executionScanner) (domain.QuarantineBatch, error) {
	var q domain.QuarantineBatch
	err := row.Scan(&q.ID, &q.BatchID, &q.PhaseExecutionID, &q.PhaseName, &q.Status, &q.Reason,
		&q.RollbackTo, &q.SampleCount, &q.QuarantinedAt, &q.ReleasedAt, &q.ReleasedBy)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

func (r Repo) InsertQuarantineTx(ctx context.Context, tx *sql.Tx, q domain.QuarantineBatch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO quarantine_batches(id,batch_id,phase_execution_id,phase_name,status,reason,rollback_to,sample_count,quarantined_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		q.ID, q.BatchID, q.PhaseExecutionID, q.PhaseName, q.Status, nullable(q.Reason), q.RollbackTo, q.SampleCount, q.QuarantinedAt)
	return err
}

func (r Repo) UpdateQuarantineTx(ctx context.Context, tx *sql.Tx, q domain.QuarantineBatch) error {
	res, err := tx.ExecContext(ctx, `UPDATE quarantine_batches SET status=?,sample_count=?,released_at=?,released_by=? WHERE id=?`,
		q.Status, q.SampleCount, q.ReleasedAt, q.ReleasedBy, q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetQuarantine(ctx context.Context, id string) (domain.QuarantineBatch, error) {
	return scanQuarantine(r.DB.QueryRowContext(ctx, `SELECT `+quarantineColumns+` FROM quarantine_batches WHERE id=?`, id))
}

// OpenQuarantine returns the quarantine that is still blocking the batch,
// ErrNotFound when the batch has none.
func (r Repo) OpenQuarantine(ctx context.Context, batchID string) (domain.QuarantineBatch, error) {
	return scanQuarantine(r.DB.QueryRowContext(ctx,
		`SELECT `+quarantineColumns+` FROM quarantine_batches WHERE batch_id=? AND status NOT IN ('released','rejected') ORDER BY quarantined_at DESC LIMIT 1`, batchID))
}

func (r Repo) ListQuarantines(ctx context.Context, batchID string) ([]domain.QuarantineBatch, error) {
	query := `SELECT ` + quarantineColumns + ` FROM quarantine_batches`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id=?`
		args = append(args, batchID)
	}
	query += ` ORDER BY quarantined_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuarantineBatch
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// --- sample requests ---

const sampleColumns = `id,quarantine_id,sample_number,requested_by,requested_at,sampled_by,sampled_at,received_by,received_at,decided_by,decided_at,results_json,COALESCE(qc_status,''),COALESCE(comments,'')`

func scanSample(row executionScanner) (domain.SampleRequest, error) {
	var s domain.SampleRequest
	err := row.Scan(&s.ID, &s.QuarantineID, &s.SampleNumber, &s.RequestedBy, &s.RequestedAt,
		&s.SampledBy, &s.SampledAt, &s.ReceivedBy, &s.ReceivedAt, &s.DecidedBy, &s.DecidedAt,
		&s.ResultsJSON, &s.QCStatus, &s.Comments)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSampleTx(ctx context.Context, tx *sql.Tx, s domain.SampleRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sample_requests(id,quarantine_id,sample_number,requested_by,requested_at,qc_status) VALUES (?,?,?,?,?,?)`,
		s.ID, s.QuarantineID, s.SampleNumber, s.RequestedBy, s.RequestedAt, s.QCStatus)
	return err
}

func (r Repo) UpdateSampleTx(ctx context.Context, tx *sql.Tx, s domain.SampleRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE sample_requests SET sampled_by=?,sampled_at=?,received_by=?,received_at=?,decided_by=?,decided_at=?,results_json=?,qc_status=?,comments=? WHERE id=?`,
		s.SampledBy, s.SampledAt, s.ReceivedBy, s.ReceivedAt, s.DecidedBy, s.DecidedAt, s.ResultsJSON, s.QCStatus, nullable(s.Comments), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSample(ctx context.Context, id string) (domain.SampleRequest, error) {
	return scanSample(r.DB.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM sample_requests WHERE id=?`, id))
}

func (r Repo) ListSamples(ctx context.Context, quarantineID string) ([]domain.SampleRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sampleColumns+` FROM sample_requests WHERE quarantine_id=? ORDER BY sample_number`, quarantineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SampleRequest
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSample returns the highest-numbered sample of a quarantine.
func (r Repo) LatestSample(ctx context.Context, quarantineID string) (domain.SampleRequest, error) {
	return scanSample(r.DB.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM sample_requests WHERE quarantine_id=? ORDER BY sample_number DESC LIMIT 1`, quarantineID))
}
