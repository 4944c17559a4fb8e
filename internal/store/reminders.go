package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const reminderCols = `id, subscriber_id, kind, scheduled_at, sent_at, attempts, max_attempts, active, payload, created_at`

func scanReminder(row interface{ Scan(...any) error }) (Reminder, error) {
	var (
		r         Reminder
		kind      string
		sentMS    sql.NullInt64
		payload   sql.NullString
		schedMS   int64
		createdMS int64
	)
	err := row.Scan(&r.ID, &r.SubscriberID, &kind, &schedMS, &sentMS,
		&r.Attempts, &r.MaxAttempts, &r.Active, &payload, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	r.Kind = ReminderKind(kind)
	r.ScheduledAt = timeOfMS(schedMS)
	r.SentAt = timePtrOfMS(sentMS)
	r.Payload = strOf(payload)
	r.CreatedAt = timeOfMS(createdMS)
	return r, nil
}

func (s *DB) CreateReminder(ctx context.Context, r Reminder) (int64, error) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(subscriber_id, kind, scheduled_at, attempts, max_attempts, active, payload, created_at)
		 VALUES(?,?,?,0,?,1,?,?)`,
		r.SubscriberID, string(r.Kind), msOf(r.ScheduledAt), r.MaxAttempts, nullStr(r.Payload), msOf(r.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DueReminders selects reminders eligible for dispatch: active, never sent,
// scheduled in the past, attempts not exhausted.
func (s *DB) DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE active = 1 AND sent_at IS NULL AND scheduled_at <= ? AND attempts < max_attempts
		 ORDER BY scheduled_at, id LIMIT ?`,
		msOf(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) ReminderByID(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	return scanReminder(row)
}

// MarkReminderSent records a successful delivery. Sending consumes an
// attempt, and a reminder whose budget is now spent is deactivated so the
// retention pass can purge it.
func (s *DB) MarkReminderSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET sent_at = ?,
		     attempts = attempts + 1,
		     active = CASE WHEN attempts + 1 >= max_attempts THEN 0 ELSE active END
		 WHERE id = ?`,
		msOf(at), id)
	return err
}

// BumpReminderAttempt records a failed send. Returns the updated attempt count.
func (s *DB) BumpReminderAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reminders SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT attempts FROM reminders WHERE id = ?`, id).Scan(&attempts)
	})
	return attempts, err
}

func (s *DB) DeactivateReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET active = 0 WHERE id = ?`, id)
	return err
}

// CancelReminders deactivates active reminders for a subscriber. An empty kind
// cancels everything. Returns the number of reminders deactivated.
func (s *DB) CancelReminders(ctx context.Context, subscriberID int64, kind ReminderKind) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET active = 0 WHERE subscriber_id = ? AND active = 1`, subscriberID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET active = 0 WHERE subscriber_id = ? AND kind = ? AND active = 1`,
			subscriberID, string(kind))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasActiveReminder reports whether an active, unsent reminder of the given
// kind is already scheduled at or after the given time.
func (s *DB) HasActiveReminder(ctx context.Context, subscriberID int64, kind ReminderKind, notBefore time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reminders
		 WHERE subscriber_id = ? AND kind = ? AND active = 1 AND sent_at IS NULL AND scheduled_at >= ?`,
		subscriberID, string(kind), msOf(notBefore)).Scan(&n)
	return n > 0, err
}

// DeleteInactiveRemindersBefore purges inactive reminders created before the
// cutoff. Returns the number of rows removed.
func (s *DB) DeleteInactiveRemindersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE active = 0 AND created_at < ?`, msOf(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
