package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const subscriberCols = `id, telegram_id, username, first_name, state, auto_renew,
 period_end, next_billing_at, customer_ref, subscription_ref,
 joined_channel, joined_chat, created_at, updated_at`

func scanSubscriber(row interface{ Scan(...any) error }) (Subscriber, error) {
	var (
		sub                  Subscriber
		state                string
		username, firstName  sql.NullString
		custRef, subRef      sql.NullString
		periodEnd, nextBill  sql.NullInt64
		createdMS, updatedMS int64
	)
	err := row.Scan(&sub.ID, &sub.TelegramID, &username, &firstName, &state, &sub.AutoRenew,
		&periodEnd, &nextBill, &custRef, &subRef,
		&sub.JoinedChannel, &sub.JoinedChat, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	sub.Username = strOf(username)
	sub.FirstName = strOf(firstName)
	sub.State = SubscriptionState(state)
	sub.CustomerRef = strOf(custRef)
	sub.SubscriptionRef = strOf(subRef)
	sub.PeriodEnd = timePtrOfMS(periodEnd)
	sub.NextBillingAt = timePtrOfMS(nextBill)
	sub.CreatedAt = timeOfMS(createdMS)
	sub.UpdatedAt = timeOfMS(updatedMS)
	return sub, nil
}

// UpsertSubscriber inserts a subscriber on first contact or refreshes the
// profile fields on repeat contact. Lifecycle fields are never touched here.
func (s *DB) UpsertSubscriber(ctx context.Context, telegramID int64, username, firstName string) (Subscriber, error) {
	now := msOf(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(telegram_id, username, first_name, state, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   username=excluded.username, first_name=excluded.first_name, updated_at=excluded.updated_at`,
		telegramID, nullStr(username), nullStr(firstName), string(StateInactive), now, now)
	if err != nil {
		return Subscriber{}, err
	}
	return s.SubscriberByTelegramID(ctx, telegramID)
}

func (s *DB) SubscriberByTelegramID(ctx context.Context, telegramID int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE telegram_id = ?`, telegramID)
	return scanSubscriber(row)
}

func (s *DB) SubscriberByID(ctx context.Context, id int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id)
	return scanSubscriber(row)
}

// SubscriberByRef looks a subscriber up by external billing reference,
// trying the subscription ref first and falling back to the customer ref.
func (s *DB) SubscriberByRef(ctx context.Context, ref string) (Subscriber, error) {
	if ref == "" {
		return Subscriber{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE subscription_ref = ? OR customer_ref = ? LIMIT 1`, ref, ref)
	return scanSubscriber(row)
}

// MutateSubscriber runs a read-decide-write cycle on one subscriber row inside
// a single transaction. fn sees the current row and edits it in place; the
// whole row (minus identity/created_at) is written back on success.
func (s *DB) MutateSubscriber(ctx context.Context, id int64, fn func(*Subscriber) error) (Subscriber, error) {
	var out Subscriber
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id)
		sub, err := scanSubscriber(row)
		if err != nil {
			return err
		}
		if err := fn(&sub); err != nil {
			return err
		}
		sub.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET
			   username=?, first_name=?, state=?, auto_renew=?,
			   period_end=?, next_billing_at=?, customer_ref=?, subscription_ref=?,
			   joined_channel=?, joined_chat=?, updated_at=?
			 WHERE id=?`,
			nullStr(sub.Username), nullStr(sub.FirstName), string(sub.State), sub.AutoRenew,
			msPtr(sub.PeriodEnd), msPtr(sub.NextBillingAt), nullStr(sub.CustomerRef), nullStr(sub.SubscriptionRef),
			sub.JoinedChannel, sub.JoinedChat, msOf(sub.UpdatedAt),
			sub.ID)
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// ExpiredSubscribers returns everyone whose paid period has lapsed but whose
// state still grants access, ordered by period end.
func (s *DB) ExpiredSubscribers(ctx context.Context, now time.Time) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE period_end IS NOT NULL AND period_end <= ?
		   AND state IN (?,?,?)
		 ORDER BY period_end`,
		msOf(now), string(StateActive), string(StatePaused), string(StateCancelledPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscribers(rows)
}

// RenewalCandidates returns active auto-renew subscribers whose next billing
// date falls inside (now, now+window].
func (s *DB) RenewalCandidates(ctx context.Context, now time.Time, window time.Duration) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE state = ? AND auto_renew = 1
		   AND next_billing_at IS NOT NULL AND next_billing_at > ? AND next_billing_at <= ?
		 ORDER BY next_billing_at`,
		string(StateActive), msOf(now), msOf(now.Add(window)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscribers(rows)
}

// SubscribersMissingBillingDate returns active auto-renew subscribers that
// have an external subscription but no local next-billing date (needs a
// provider refresh before renewal planning can see them).
func (s *DB) SubscribersMissingBillingDate(ctx context.Context, limit int) ([]Subscriber, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE state = ? AND auto_renew = 1 AND next_billing_at IS NULL
		   AND subscription_ref IS NOT NULL
		 ORDER BY id LIMIT ?`,
		string(StateActive), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscribers(rows)
}

// AudienceSelector names a broadcast target group.
type AudienceSelector string

const (
	AudienceAll           AudienceSelector = "all"
	AudienceActive        AudienceSelector = "active"
	AudienceJoinedChannel AudienceSelector = "joined_channel"
)

// SelectAudience resolves a selector against the live subscriber set.
// Broadcast creation calls this exactly once; the result is snapshotted.
func (s *DB) SelectAudience(ctx context.Context, sel AudienceSelector) ([]Recipient, error) {
	var where string
	switch sel {
	case AudienceAll, "":
		where = "1=1"
	case AudienceActive:
		where = "state = 'active'"
	case AudienceJoinedChannel:
		where = "joined_channel = 1"
	default:
		return nil, fmt.Errorf("store: unknown audience selector %q", sel)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, telegram_id FROM subscribers WHERE `+where+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.SubscriberID, &r.TelegramID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireSubscribers flips a batch of subscribers to expired in one statement:
// state=expired, auto_renew off, membership flags cleared.
func (s *DB) ExpireSubscribers(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE subscribers SET state=?, auto_renew=0, joined_channel=0, joined_chat=0, updated_at=?
	          WHERE id IN (?` + repeatPlaceholder(len(ids)-1) + `)`
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(StateExpired), msOf(now))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func repeatPlaceholder(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, ',', '?')
	}
	return string(out)
}

func collectSubscribers(rows *sql.Rows) ([]Subscriber, error) {
	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
