package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const jobCols = `id, title, blocks, status, total_recipients, sent_count, failed_count, run_log, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (BroadcastJob, error) {
	var (
		j                      BroadcastJob
		title, runLog          sql.NullString
		status                 string
		createdMS              int64
		startedMS, completedMS sql.NullInt64
	)
	err := row.Scan(&j.ID, &title, &j.Blocks, &status, &j.TotalRecipients,
		&j.SentCount, &j.FailedCount, &runLog, &createdMS, &startedMS, &completedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	if err != nil {
		return BroadcastJob{}, err
	}
	j.Title = strOf(title)
	j.Status = BroadcastStatus(status)
	j.RunLog = strOf(runLog)
	j.CreatedAt = timeOfMS(createdMS)
	j.StartedAt = timePtrOfMS(startedMS)
	j.CompletedAt = timePtrOfMS(completedMS)
	return j, nil
}

// CreateBroadcast inserts the job and its full recipient snapshot in one
// transaction. total_recipients is fixed here and never updated again.
func (s *DB) CreateBroadcast(ctx context.Context, title, blocksJSON string, recipients []Recipient) (BroadcastJob, error) {
	var jobID int64
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_jobs(title, blocks, status, total_recipients, created_at)
			 VALUES(?,?,?,?,?)`,
			nullStr(title), blocksJSON, string(BroadcastPending), len(recipients), msOf(now))
		if err != nil {
			return err
		}
		jobID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO broadcast_queue(job_id, subscriber_id, telegram_id, status) VALUES(?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recipients {
			if _, err := stmt.ExecContext(ctx, jobID, r.SubscriberID, r.TelegramID, string(QueuePending)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BroadcastJob{}, err
	}
	return s.BroadcastByID(ctx, jobID)
}

func (s *DB) BroadcastByID(ctx context.Context, id int64) (BroadcastJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// PendingBroadcasts returns pending jobs in creation order (FIFO drain).
func (s *DB) PendingBroadcasts(ctx context.Context) ([]BroadcastJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM broadcast_jobs WHERE status = ? ORDER BY created_at, id`,
		string(BroadcastPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *DB) MarkBroadcastProcessing(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = ?, started_at = ? WHERE id = ?`,
		string(BroadcastProcessing), msOf(at), id)
	return err
}

func (s *DB) CompleteBroadcast(ctx context.Context, id int64, sent, failed int, runLog string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = ?, sent_count = ?, failed_count = ?, run_log = ?, completed_at = ?
		 WHERE id = ?`,
		string(BroadcastCompleted), sent, failed, nullStr(runLog), msOf(at), id)
	return err
}

func (s *DB) FailBroadcast(ctx context.Context, id int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = ?, run_log = ? WHERE id = ?`,
		string(BroadcastFailed), nullStr(note), id)
	return err
}

// StaleProcessingBroadcasts returns jobs stuck in processing since before the
// cutoff (crash mid-drain).
func (s *DB) StaleProcessingBroadcasts(ctx context.Context, cutoff time.Time) ([]BroadcastJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM broadcast_jobs
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		 ORDER BY started_at`,
		string(BroadcastProcessing), msOf(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteBroadcastsBefore removes completed jobs (and their queue rows) whose
// completion predates the cutoff. Returns the number of jobs removed.
func (s *DB) DeleteBroadcastsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM broadcast_queue WHERE job_id IN
			   (SELECT id FROM broadcast_jobs WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?)`,
			string(BroadcastCompleted), msOf(cutoff)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM broadcast_jobs WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
			string(BroadcastCompleted), msOf(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PendingQueueItems returns a job's unsent queue rows in insertion order.
func (s *DB) PendingQueueItems(ctx context.Context, jobID int64) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, subscriber_id, telegram_id, status, error, sent_at
		 FROM broadcast_queue WHERE job_id = ? AND status = ? ORDER BY id`,
		jobID, string(QueuePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var (
			it     QueueItem
			status string
			errMsg sql.NullString
			sentMS sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.JobID, &it.SubscriberID, &it.TelegramID, &status, &errMsg, &sentMS); err != nil {
			return nil, err
		}
		it.Status = QueueStatus(status)
		it.Error = strOf(errMsg)
		it.SentAt = timePtrOfMS(sentMS)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *DB) MarkQueueItemSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_queue SET status = ?, sent_at = ? WHERE id = ?`,
		string(QueueSent), msOf(at), id)
	return err
}

func (s *DB) MarkQueueItemFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_queue SET status = ?, error = ? WHERE id = ?`,
		string(QueueFailed), nullStr(errMsg), id)
	return err
}

func collectJobs(rows *sql.Rows) ([]BroadcastJob, error) {
	var out []BroadcastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
