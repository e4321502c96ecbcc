// Package rowstore implements the activity pipeline's durable row store
// egress interface (spec §6): paged reads of (partitionKey, clusteringKey,
// …columns) tables, specifically ActivityStreams (Feed Store backing) and
// EmailBuckets (Email Scheduler backing).
package rowstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/resilience"
)

// retryConfig governs how a single row-store call is retried before the
// circuit breaker counts it as a failure (spec §7: storage errors are
// logged, pipeline continues, lock expiry retries).
var retryConfig = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2,
	Jitter:       0.2,
}

// Open validates dsn and opens a connection pool, pinging to fail fast.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("rowstore: dsn must not be empty")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rowstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rowstore: ping: %w", err)
	}
	return db, nil
}

// ActivityRow is one row of the ActivityStreams table: partition
// activityStreamId (= "{ownerId}#{streamType}[#visibility]"), clustering
// activityId descending, column activity (JSON).
type ActivityRow struct {
	ActivityStreamID string    `db:"activity_stream_id"`
	ActivityID       string    `db:"activity_id"`
	Activity         []byte    `db:"activity"`
	ExpiresAt        time.Time `db:"expires_at"`
}

// Store wraps a Postgres pool implementing the two tables the pipeline needs.
type Store struct {
	db *sqlx.DB
	cb *resilience.CircuitBreaker
}

// New wraps an already-open pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, cb: resilience.New(resilience.DefaultConfig())}
}

// resilient retries fn with backoff and trips the store's circuit breaker
// once failures pile up, so a blip in Postgres doesn't fan out into a
// retry storm against an already-struggling database.
func (s *Store) resilient(ctx context.Context, fn func() error) error {
	return s.cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, retryConfig, fn)
	})
}

// AppendActivities inserts rows into ActivityStreams, ignoring an activityId
// already present in the stream (spec P1: at most one activity per id per feed).
func (s *Store) AppendActivities(ctx context.Context, streamID string, rows []ActivityRow, ttl time.Duration) error {
	if len(rows) == 0 {
		return nil
	}
	expiresAt := time.Now().Add(ttl)
	return s.resilient(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Storage("rowstore.append", err)
		}
		defer tx.Rollback()

		for _, row := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO activity_streams (activity_stream_id, activity_id, activity, expires_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (activity_stream_id, activity_id) DO NOTHING`,
				streamID, row.ActivityID, row.Activity, expiresAt)
			if err != nil {
				return errors.Storage("rowstore.append", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return errors.Storage("rowstore.append", err)
		}
		return nil
	})
}

// PageActivities returns rows newest-first by activityId, paged by a
// clustering-key token (the activityId of the last row already seen).
func (s *Store) PageActivities(ctx context.Context, streamID, startToken string, limit int) ([]ActivityRow, string, error) {
	if limit <= 0 {
		limit = 25
	}

	var rows []ActivityRow
	query := `
		SELECT activity_stream_id, activity_id, activity, expires_at
		FROM activity_streams
		WHERE activity_stream_id = $1 AND expires_at > now()`
	args := []interface{}{streamID}

	if startToken != "" {
		query += ` AND activity_id < $2`
		args = append(args, startToken)
	}
	query += fmt.Sprintf(" ORDER BY activity_id DESC LIMIT %d", limit+1)

	if err := s.resilient(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	}); err != nil {
		return nil, "", errors.Storage("rowstore.page", err)
	}

	nextToken := ""
	if len(rows) > limit {
		nextToken = rows[limit-1].ActivityID
		rows = rows[:limit]
	}
	return rows, nextToken, nil
}

// BatchGetActivities loads rows across multiple streams, optionally only
// those published after sinceMillis (encoded as the activityId prefix).
func (s *Store) BatchGetActivities(ctx context.Context, streamIDs []string, sinceToken string) (map[string][]ActivityRow, error) {
	if len(streamIDs) == 0 {
		return map[string][]ActivityRow{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT activity_stream_id, activity_id, activity, expires_at
		FROM activity_streams
		WHERE activity_stream_id IN (?) AND expires_at > now() AND activity_id > ?
		ORDER BY activity_stream_id, activity_id DESC`, streamIDs, sinceToken)
	if err != nil {
		return nil, errors.Storage("rowstore.batchget", err)
	}

	var rows []ActivityRow
	if err := s.resilient(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	}); err != nil {
		return nil, errors.Storage("rowstore.batchget", err)
	}

	out := make(map[string][]ActivityRow, len(streamIDs))
	for _, row := range rows {
		out[row.ActivityStreamID] = append(out[row.ActivityStreamID], row)
	}
	return out, nil
}

// DeleteActivities removes specific activityIds from one stream.
func (s *Store) DeleteActivities(ctx context.Context, streamID string, activityIDs []string) error {
	if len(activityIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		DELETE FROM activity_streams WHERE activity_stream_id = ? AND activity_id IN (?)`,
		streamID, activityIDs)
	if err != nil {
		return errors.Storage("rowstore.delete", err)
	}
	err = s.resilient(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		return err
	})
	if err != nil {
		return errors.Storage("rowstore.delete", err)
	}
	return nil
}

// ClearStream removes every row for a stream.
func (s *Store) ClearStream(ctx context.Context, streamID string) error {
	err := s.resilient(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM activity_streams WHERE activity_stream_id = $1`, streamID)
		return err
	})
	return wrapStorage("rowstore.clear", err)
}

// PurgeExpiredActivities deletes rows past their TTL; returns rows removed.
func (s *Store) PurgeExpiredActivities(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.resilient(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM activity_streams WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errors.Storage("rowstore.purge", err)
	}
	return n, nil
}

// AddToEmailBucket enrolls a user in an email bucket, keyed by
// "oae-activity-email:{n}:{preference}[:{day}][:{hour}]".
func (s *Store) AddToEmailBucket(ctx context.Context, bucketID, userID string) error {
	err := s.resilient(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO email_buckets (bucket_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (bucket_id, user_id) DO NOTHING`, bucketID, userID)
		return err
	})
	return wrapStorage("rowstore.addtobucket", err)
}

// ListActiveEmailBuckets returns the distinct bucket ids currently
// holding at least one enrolled user, so the Email Scheduler's collection
// loop only evaluates buckets worth checking rather than enumerating
// every (n, preference, day, hour) combination.
func (s *Store) ListActiveEmailBuckets(ctx context.Context) ([]string, error) {
	var bucketIDs []string
	err := s.resilient(ctx, func() error {
		return s.db.SelectContext(ctx, &bucketIDs, `SELECT DISTINCT bucket_id FROM email_buckets ORDER BY bucket_id`)
	})
	if err != nil {
		return nil, errors.Storage("rowstore.listactivebuckets", err)
	}
	return bucketIDs, nil
}

// ListEmailBucketUsers returns every user enrolled in a bucket.
func (s *Store) ListEmailBucketUsers(ctx context.Context, bucketID string) ([]string, error) {
	var userIDs []string
	err := s.resilient(ctx, func() error {
		return s.db.SelectContext(ctx, &userIDs,
			`SELECT user_id FROM email_buckets WHERE bucket_id = $1 ORDER BY user_id`, bucketID)
	})
	if err != nil {
		return nil, errors.Storage("rowstore.listbucket", err)
	}
	return userIDs, nil
}

// RemoveFromEmailBucket un-enrolls one user, e.g. after a digest is sent or
// the user's preference changes.
func (s *Store) RemoveFromEmailBucket(ctx context.Context, bucketID, userID string) error {
	err := s.resilient(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM email_buckets WHERE bucket_id = $1 AND user_id = $2`, bucketID, userID)
		return err
	})
	return wrapStorage("rowstore.removefrombucket", err)
}

// ClearEmailBucket empties a bucket after its digest run.
func (s *Store) ClearEmailBucket(ctx context.Context, bucketID string) error {
	err := s.resilient(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM email_buckets WHERE bucket_id = $1`, bucketID)
		return err
	})
	return wrapStorage("rowstore.clearbucket", err)
}

func wrapStorage(operation string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Storage(operation, err)
}
