package repo

import (
	"context"
	"database/sql"

	"pharmaline/internal/domain"
)

func (r Repo) InsertSignatureTx(ctx context.Context, tx *sql.Tx, s domain.SignatureEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signatures(id,batch_id,signer,meaning,reason,ts) VALUES (?,?,?,?,?,?)`,
		s.ID, s.BatchID, s.Signer, s.Meaning, nullable(s.Reason), s.TS)
	return err
}

func (r Repo) ListSignatures(ctx context.Context, batchID string) ([]domain.SignatureEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,batch_id,signer,meaning,COALESCE(reason,''),ts FROM signatures WHERE batch_id=? ORDER BY ts, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureEvent
	for rows.Next() {
		var s domain.SignatureEvent
		if err := rows.Scan(&s.ID, &s.BatchID, &s.Signer, &s.Meaning, &s.Reason, &s.TS); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
