// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autobrr/curator/internal/dbinterface"
)

// Outcomes of a reannounce attempt.
const (
	ReannounceOutcomeSucceeded = "succeeded"
	ReannounceOutcomeFailed    = "failed"
	ReannounceOutcomeSkipped   = "skipped"
)

// ReannounceActivity is one append-only record of a reannounce attempt.
type ReannounceActivity struct {
	ID          int64     `json:"id"`
	InstanceID  int       `json:"instanceId"`
	TorrentHash string    `json:"torrentHash"`
	TorrentName string    `json:"torrentName"`
	Trackers    string    `json:"trackers,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ReannounceActivityStore struct {
	db dbinterface.Querier
}

func NewReannounceActivityStore(db dbinterface.Querier) *ReannounceActivityStore {
	return &ReannounceActivityStore{db: db}
}

func (s *ReannounceActivityStore) Create(ctx context.Context, activity *ReannounceActivity) error {
	query := `
		INSERT INTO reannounce_activity (instance_id, torrent_hash, torrent_name, trackers, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		activity.InstanceID,
		activity.TorrentHash,
		activity.TorrentName,
		emptyToNil(activity.Trackers),
		activity.Outcome,
		emptyToNil(activity.Reason),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("resolve inserted activity id: %w", err)
	}
	activity.ID = id
	return nil
}

func (s *ReannounceActivityStore) ListByInstance(ctx context.Context, instanceID, limit int) ([]*ReannounceActivity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, instance_id, torrent_hash, torrent_name, trackers, outcome, reason, created_at
		FROM reannounce_activity
		WHERE instance_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*ReannounceActivity
	for rows.Next() {
		var activity ReannounceActivity
		var trackers, reason sql.NullString

		err := rows.Scan(
			&activity.ID,
			&activity.InstanceID,
			&activity.TorrentHash,
			&activity.TorrentName,
			&trackers,
			&activity.Outcome,
			&reason,
			&activity.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		activity.Trackers = trackers.String
		activity.Reason = reason.String
		activities = append(activities, &activity)
	}

	return activities, rows.Err()
}

// DeleteOlderThan removes the instance's records older than the given number
// of days. days <= 0 removes all records for the instance.
func (s *ReannounceActivityStore) DeleteOlderThan(ctx context.Context, instanceID, days int) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if days <= 0 {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM reannounce_activity WHERE instance_id = ?", instanceID)
	} else {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM reannounce_activity WHERE instance_id = ? AND created_at < datetime('now', '-' || ? || ' days')",
			instanceID, days)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByOutcome returns record counts grouped by outcome.
func (s *ReannounceActivityStore) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT outcome, COUNT(*) FROM reannounce_activity GROUP BY outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			outcome string
			count   int64
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// Prune removes records older than the retention window across all instances.
func (s *ReannounceActivityStore) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM reannounce_activity WHERE created_at < datetime('now', '-' || ? || ' days')",
		retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
