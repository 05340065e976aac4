// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noInsertIDQuerier accepts writes but cannot report the inserted row id.
type noInsertIDQuerier struct{}

func (noInsertIDQuerier) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }
func (noInsertIDQuerier) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}
func (noInsertIDQuerier) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return noInsertIDResult{}, nil
}

type noInsertIDResult struct{}

func (noInsertIDResult) LastInsertId() (int64, error) { return 0, errors.New("no insert id") }
func (noInsertIDResult) RowsAffected() (int64, error) { return 0, nil }

func TestActivityStores_CreateSurfacesInsertIDError(t *testing.T) {
	ctx := context.Background()

	err := NewRuleActivityStore(noInsertIDQuerier{}).Create(ctx, &RuleActivity{
		InstanceID:  1,
		TorrentHash: "abc123",
		TorrentName: "t",
		Action:      ActivityActionTagsChanged,
		Outcome:     ActivityOutcomeSuccess,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no insert id")

	err = NewReannounceActivityStore(noInsertIDQuerier{}).Create(ctx, &ReannounceActivity{
		InstanceID:  1,
		TorrentHash: "abc123",
		TorrentName: "t",
		Outcome:     ReannounceOutcomeSkipped,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no insert id")
}

func TestRuleActivityStore_CreateAndList(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "activity-create")
	store := NewRuleActivityStore(db)
	ctx := context.Background()

	ruleID := 7
	activity := &RuleActivity{
		InstanceID:    instanceID,
		RuleID:        &ruleID,
		RuleName:      "cleanup",
		TorrentHash:   "abc123",
		TorrentName:   "Some.Show.S01E01",
		TrackerDomain: "tracker.example.com",
		Action:        ActivityActionDeletedRatio,
		Outcome:       ActivityOutcomeSuccess,
		Reason:        "ratio limit reached",
		Details:       json.RawMessage(`{"ratio":2.5,"filesKept":false}`),
	}
	require.NoError(t, store.Create(ctx, activity))
	assert.NotZero(t, activity.ID)

	require.NoError(t, store.Create(ctx, &RuleActivity{
		InstanceID:  instanceID,
		TorrentHash: "def456",
		TorrentName: "Other",
		Action:      ActivityActionTagsChanged,
		Outcome:     ActivityOutcomeFailed,
	}))

	list, err := store.ListByInstance(ctx, instanceID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Newest first.
	assert.Equal(t, "def456", list[0].TorrentHash)
	assert.Equal(t, "abc123", list[1].TorrentHash)

	got := list[1]
	require.NotNil(t, got.RuleID)
	assert.Equal(t, 7, *got.RuleID)
	assert.Equal(t, "cleanup", got.RuleName)
	assert.Equal(t, "tracker.example.com", got.TrackerDomain)
	assert.Equal(t, ActivityActionDeletedRatio, got.Action)
	assert.Equal(t, "ratio limit reached", got.Reason)
	assert.JSONEq(t, `{"ratio":2.5,"filesKept":false}`, string(got.Details))
}

func TestRuleActivityStore_ListLimit(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "activity-limit")
	store := NewRuleActivityStore(db)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, store.Create(ctx, &RuleActivity{
			InstanceID:  instanceID,
			TorrentHash: "abc",
			TorrentName: "t",
			Action:      ActivityActionTagsChanged,
			Outcome:     ActivityOutcomeSuccess,
		}))
	}

	list, err := store.ListByInstance(ctx, instanceID, 3)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestRuleActivityStore_DeleteOlderThan(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "activity-delete")
	store := NewRuleActivityStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &RuleActivity{
		InstanceID:  instanceID,
		TorrentHash: "recent",
		TorrentName: "t",
		Action:      ActivityActionTagsChanged,
		Outcome:     ActivityOutcomeSuccess,
	}))

	// Backdate a second record past the retention window.
	_, err := db.ExecContext(ctx, `
		INSERT INTO automation_activity (instance_id, torrent_hash, torrent_name, action, outcome, created_at)
		VALUES (?, 'old', 't', 'tags_changed', 'success', datetime('now', '-10 days'))
	`, instanceID)
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, instanceID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	list, err := store.ListByInstance(ctx, instanceID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "recent", list[0].TorrentHash)

	// days <= 0 clears everything for the instance.
	deleted, err = store.DeleteOlderThan(ctx, instanceID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	list, err = store.ListByInstance(ctx, instanceID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRuleActivityStore_Prune(t *testing.T) {
	db := newTestDB(t)
	first := createTestInstance(t, db, "activity-prune-1")
	second := createTestInstance(t, db, "activity-prune-2")
	store := NewRuleActivityStore(db)
	ctx := context.Background()

	for _, instanceID := range []int{first, second} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO automation_activity (instance_id, torrent_hash, torrent_name, action, outcome, created_at)
			VALUES (?, 'old', 't', 'tags_changed', 'success', datetime('now', '-10 days'))
		`, instanceID)
		require.NoError(t, err)
	}
	require.NoError(t, store.Create(ctx, &RuleActivity{
		InstanceID:  first,
		TorrentHash: "recent",
		TorrentName: "t",
		Action:      ActivityActionTagsChanged,
		Outcome:     ActivityOutcomeSuccess,
	}))

	pruned, err := store.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	// Retention <= 0 is a no-op rather than a full wipe.
	pruned, err = store.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	list, err := store.ListByInstance(ctx, first, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRuleActivityStore_CountByActionOutcome(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "activity-count")
	store := NewRuleActivityStore(db)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, store.Create(ctx, &RuleActivity{
			InstanceID:  instanceID,
			TorrentHash: "a",
			TorrentName: "t",
			Action:      ActivityActionDeletedRatio,
			Outcome:     ActivityOutcomeSuccess,
		}))
	}
	require.NoError(t, store.Create(ctx, &RuleActivity{
		InstanceID:  instanceID,
		TorrentHash: "b",
		TorrentName: "t",
		Action:      ActivityActionDeleteFailed,
		Outcome:     ActivityOutcomeFailed,
	}))

	counts, err := store.CountByActionOutcome(ctx)
	require.NoError(t, err)

	byKey := make(map[string]int64)
	for _, c := range counts {
		byKey[c.Action+"/"+c.Outcome] = c.Count
	}
	assert.Equal(t, int64(2), byKey[ActivityActionDeletedRatio+"/"+ActivityOutcomeSuccess])
	assert.Equal(t, int64(1), byKey[ActivityActionDeleteFailed+"/"+ActivityOutcomeFailed])
}
