package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the events table. Appends run inside the
// caller's transaction so an event commits iff its state change does.
// The optional Bus fans events out to live subscribers once the
// transaction commits; the events table remains the audit source of
// truth.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	Bus *Bus
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, batchID, phaseName, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,batch_id,phase_name,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(batchID), nullable(phaseName), actorID, string(data))
	if err != nil {
		return err
	}
	if w.Bus != nil {
		w.Bus.stage(tx, Event{
			TS:        ts,
			Type:      evtType,
			BatchID:   batchID,
			PhaseName: phaseName,
			ActorID:   actorID,
			Payload:   payload,
		})
	}
	return nil
}

// Flush delivers the events staged under tx. Call it only after the
// transaction committed; an event must never be visible for state that
// was rolled back.
func (w Writer) Flush(tx *sql.Tx) {
	if w.Bus != nil {
		w.Bus.flush(tx)
	}
}

// Discard drops the events staged under tx. Safe to defer alongside
// tx.Rollback; flushed transactions have nothing left to drop.
func (w Writer) Discard(tx *sql.Tx) {
	if w.Bus != nil {
		w.Bus.discard(tx)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
