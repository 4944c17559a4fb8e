package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const eventCols = `id, subscriber_ref, event_type, payload, processed, attempts, note, received_at, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (BillingEvent, error) {
	var (
		ev          BillingEvent
		note        sql.NullString
		receivedMS  int64
		processedMS sql.NullInt64
	)
	err := row.Scan(&ev.ID, &ev.SubscriberRef, &ev.EventType, &ev.Payload,
		&ev.Processed, &ev.Attempts, &note, &receivedMS, &processedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return BillingEvent{}, ErrNotFound
	}
	if err != nil {
		return BillingEvent{}, err
	}
	ev.Note = strOf(note)
	ev.ReceivedAt = timeOfMS(receivedMS)
	ev.ProcessedAt = timePtrOfMS(processedMS)
	return ev, nil
}

// AppendBillingEvent appends one inbound event to the inbox. The inbox accepts
// duplicates; dedup is the reconciler's job, not the store's.
func (s *DB) AppendBillingEvent(ctx context.Context, subscriberRef, eventType, payloadJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events(subscriber_ref, event_type, payload, processed, received_at)
		 VALUES(?,?,?,0,?)`,
		subscriberRef, eventType, payloadJSON, msOf(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingBillingEvents returns unprocessed events in receipt order.
func (s *DB) PendingBillingEvents(ctx context.Context, limit int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM billing_events
		 WHERE processed = 0 ORDER BY received_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BillingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *DB) BillingEventByID(ctx context.Context, id int64) (BillingEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM billing_events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *DB) MarkBillingEventProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE billing_events SET processed = 1, processed_at = ? WHERE id = ?`,
		msOf(at), id)
	return err
}

// BumpBillingEventAttempt records a failed drain pass. Returns the updated count.
func (s *DB) BumpBillingEventAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE billing_events SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT attempts FROM billing_events WHERE id = ?`, id).Scan(&attempts)
	})
	return attempts, err
}

// MarkBillingEventUnprocessable parks an event that exhausted its drain
// attempts. It is flagged processed so the drain stops picking it up; the note
// records why.
func (s *DB) MarkBillingEventUnprocessable(ctx context.Context, id int64, note string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE billing_events SET processed = 1, note = ?, processed_at = ? WHERE id = ?`,
		nullStr(note), msOf(at), id)
	return err
}

// DeleteProcessedEventsBefore purges processed events older than the cutoff.
func (s *DB) DeleteProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM billing_events WHERE processed = 1 AND processed_at IS NOT NULL AND processed_at < ?`,
		msOf(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
