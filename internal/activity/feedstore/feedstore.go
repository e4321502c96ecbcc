// Package feedstore implements the Feed Store: append-only per-feed
// activity logs on the row store (spec §4.5).
package feedstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/rowstore"
	"github.com/collabhub/activity/internal/activity/model"
)

// Store is the Feed Store, backed by the ActivityStreams row-store table.
type Store struct {
	rows        *rowstore.Store
	activityTTL time.Duration
}

// New creates a Feed Store. activityTTL is the row-store write TTL
// applied to every appended activity (spec §4.5).
func New(rows *rowstore.Store, activityTTL time.Duration) *Store {
	return &Store{rows: rows, activityTTL: activityTTL}
}

// Append writes activities onto feedID's log.
func (s *Store) Append(ctx context.Context, feedID string, activities []model.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	rows := make([]rowstore.ActivityRow, 0, len(activities))
	for _, a := range activities {
		encoded, err := json.Marshal(a)
		if err != nil {
			return errors.Internal("feedstore: encode activity", err)
		}
		rows = append(rows, rowstore.ActivityRow{
			ActivityStreamID: feedID,
			ActivityID:       a.ActivityID,
			Activity:         encoded,
		})
	}
	return s.rows.AppendActivities(ctx, feedID, rows, s.activityTTL)
}

// Page returns feedID's activities newest-first, paged by startToken.
func (s *Store) Page(ctx context.Context, feedID, startToken string, limit int) ([]model.Activity, string, error) {
	rows, nextToken, err := s.rows.PageActivities(ctx, feedID, startToken, limit)
	if err != nil {
		return nil, "", err
	}
	activities, err := decodeRows(rows)
	if err != nil {
		return nil, "", err
	}
	return activities, nextToken, nil
}

// BatchGet loads activities across multiple feeds, optionally only those
// published after sinceToken (an activityId lower bound).
func (s *Store) BatchGet(ctx context.Context, feedIDs []string, sinceToken string) (map[string][]model.Activity, error) {
	byStream, err := s.rows.BatchGetActivities(ctx, feedIDs, sinceToken)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.Activity, len(byStream))
	for feedID, rows := range byStream {
		activities, err := decodeRows(rows)
		if err != nil {
			return nil, err
		}
		out[feedID] = activities
	}
	return out, nil
}

// Delete removes specific activityIds from feedID's log.
func (s *Store) Delete(ctx context.Context, feedID string, activityIDs []string) error {
	return s.rows.DeleteActivities(ctx, feedID, activityIDs)
}

// Clear removes every activity from feedID's log.
func (s *Store) Clear(ctx context.Context, feedID string) error {
	return s.rows.ClearStream(ctx, feedID)
}

func decodeRows(rows []rowstore.ActivityRow) ([]model.Activity, error) {
	activities := make([]model.Activity, 0, len(rows))
	for _, row := range rows {
		var a model.Activity
		if err := json.Unmarshal(row.Activity, &a); err != nil {
			return nil, errors.Internal("feedstore: decode activity", err)
		}
		activities = append(activities, a)
	}
	return activities, nil
}
