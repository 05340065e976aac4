// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autobrr/curator/internal/dbinterface"
)

// Actions recorded by the rule engine.
const (
	ActivityActionDeletedRatio        = "deleted_ratio"
	ActivityActionDeletedSeeding      = "deleted_seeding"
	ActivityActionDeletedUnregistered = "deleted_unregistered"
	ActivityActionDeletedCondition    = "deleted_condition"
	ActivityActionDeleteFailed        = "delete_failed"
	ActivityActionLimitFailed         = "limit_failed"
	ActivityActionTagsChanged         = "tags_changed"
)

// Outcomes of recorded actions.
const (
	ActivityOutcomeSuccess = "success"
	ActivityOutcomeFailed  = "failed"
)

// RuleActivity is one append-only record of an action the rule engine
// attempted. Records are never mutated after creation.
type RuleActivity struct {
	ID            int64           `json:"id"`
	InstanceID    int             `json:"instanceId"`
	RuleID        *int            `json:"ruleId,omitempty"`
	RuleName      string          `json:"ruleName,omitempty"`
	TorrentHash   string          `json:"torrentHash"`
	TorrentName   string          `json:"torrentName"`
	TrackerDomain string          `json:"trackerDomain,omitempty"`
	Action        string          `json:"action"`
	Outcome       string          `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type RuleActivityStore struct {
	db dbinterface.Querier
}

func NewRuleActivityStore(db dbinterface.Querier) *RuleActivityStore {
	return &RuleActivityStore{db: db}
}

func (s *RuleActivityStore) Create(ctx context.Context, activity *RuleActivity) error {
	var details any
	if len(activity.Details) > 0 {
		details = string(activity.Details)
	}

	var ruleID any
	if activity.RuleID != nil {
		ruleID = *activity.RuleID
	}

	query := `
		INSERT INTO automation_activity (
			instance_id, rule_id, rule_name, torrent_hash, torrent_name,
			tracker, action, outcome, reason, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		activity.InstanceID,
		ruleID,
		emptyToNil(activity.RuleName),
		activity.TorrentHash,
		activity.TorrentName,
		emptyToNil(activity.TrackerDomain),
		activity.Action,
		activity.Outcome,
		emptyToNil(activity.Reason),
		details,
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

func (s *RuleActivityStore) ListByInstance(ctx context.Context, instanceID, limit int) ([]*RuleActivity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, instance_id, rule_id, rule_name, torrent_hash, torrent_name,
		       tracker, action, outcome, reason, details, created_at
		FROM automation_activity
		WHERE instance_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*RuleActivity
	for rows.Next() {
		activity, err := scanRuleActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}

	return activities, rows.Err()
}

// DeleteOlderThan removes the instance's records older than the given number
// of days. days <= 0 removes all records for the instance.
func (s *RuleActivityStore) DeleteOlderThan(ctx context.Context, instanceID, days int) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if days <= 0 {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM automation_activity WHERE instance_id = ?", instanceID)
	} else {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM automation_activity WHERE instance_id = ? AND created_at < datetime('now', '-' || ? || ' days')",
			instanceID, days)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ActivityCount is one bucket of the action/outcome breakdown.
type ActivityCount struct {
	Action  string
	Outcome string
	Count   int64
}

// CountByActionOutcome returns record counts grouped by action and outcome.
func (s *RuleActivityStore) CountByActionOutcome(ctx context.Context) ([]ActivityCount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT action, outcome, COUNT(*) FROM automation_activity GROUP BY action, outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ActivityCount
	for rows.Next() {
		var c ActivityCount
		if err := rows.Scan(&c.Action, &c.Outcome, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Prune removes records older than the retention window across all instances.
func (s *RuleActivityStore) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM automation_activity WHERE created_at < datetime('now', '-' || ? || ' days')",
		retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRuleActivity(row rowScanner) (*RuleActivity, error) {
	var activity RuleActivity
	var (
		ruleID            sql.NullInt64
		ruleName, tracker sql.NullString
		reason, details   sql.NullString
	)

	err := row.Scan(
		&activity.ID,
		&activity.InstanceID,
		&ruleID,
		&ruleName,
		&activity.TorrentHash,
		&activity.TorrentName,
		&tracker,
		&activity.Action,
		&activity.Outcome,
		&reason,
		&details,
		&activity.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ruleID.Valid {
		id := int(ruleID.Int64)
		activity.RuleID = &id
	}
	activity.RuleName = ruleName.String
	activity.TrackerDomain = tracker.String
	activity.Reason = reason.String
	if details.Valid && details.String != "" {
		activity.Details = json.RawMessage(details.String)
	}

	return &activity, nil
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
