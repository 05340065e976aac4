// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-create")
	store := NewRuleStore(db)
	ctx := context.Background()

	deleteMode := DeleteModePreserveCrossSeeds
	created, err := store.Create(ctx, &Rule{
		InstanceID:              instanceID,
		Name:                    "cleanup",
		Enabled:                 true,
		ApplyToAll:              false,
		TrackerDomains:          []string{"tracker.example.com"},
		Categories:              []string{"tv"},
		Tags:                    []string{"keep"},
		TagMatchMode:            TagMatchModeAll,
		RatioLimit:              float64Ptr(2.0),
		SeedingTimeLimitMinutes: int64Ptr(1440),
		DeleteMode:              &deleteMode,
		DeleteUnregistered:      true,
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	assert.Equal(t, 1, created.SortOrder)

	got, err := store.Get(ctx, instanceID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"tracker.example.com"}, got.TrackerDomains)
	assert.Equal(t, []string{"tv"}, got.Categories)
	assert.Equal(t, []string{"keep"}, got.Tags)
	assert.Equal(t, TagMatchModeAll, got.TagMatchMode)
	require.NotNil(t, got.RatioLimit)
	assert.Equal(t, 2.0, *got.RatioLimit)
	require.NotNil(t, got.SeedingTimeLimitMinutes)
	assert.Equal(t, int64(1440), *got.SeedingTimeLimitMinutes)
	require.NotNil(t, got.DeleteMode)
	assert.Equal(t, DeleteModePreserveCrossSeeds, *got.DeleteMode)
	assert.True(t, got.DeleteUnregistered)
	assert.Nil(t, got.Conditions)
}

func TestRuleStore_ConditionsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-conditions")
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.Create(ctx, &Rule{
		InstanceID: instanceID,
		Name:       "expression",
		Enabled:    true,
		ApplyToAll: true,
		Conditions: &ActionConditions{
			SchemaVersion: ConditionsSchemaVersion,
			Delete: &DeleteAction{
				Enabled: true,
				Mode:    DeleteModeDelete,
				Condition: &RuleCondition{
					Operator: OpAnd,
					Conditions: []*RuleCondition{
						{Field: FieldRatio, Operator: OpGreaterEqual, Value: "2.0"},
						{Field: FieldUnregistered, Operator: OpEqual, Value: "true"},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, instanceID, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Conditions)
	assert.Equal(t, ConditionsSchemaVersion, got.Conditions.SchemaVersion)
	require.NotNil(t, got.Conditions.Delete)
	assert.Equal(t, DeleteModeDelete, got.Conditions.Delete.Mode)
	require.NotNil(t, got.Conditions.Delete.Condition)
	require.Len(t, got.Conditions.Delete.Condition.Conditions, 2)
	assert.Equal(t, FieldRatio, got.Conditions.Delete.Condition.Conditions[0].Field)
}

func TestRuleStore_ListByInstanceOrder(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-order")
	otherID := createTestInstance(t, db, "rules-order-other")
	store := NewRuleStore(db)
	ctx := context.Background()

	first, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "first", ApplyToAll: true})
	require.NoError(t, err)
	second, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "second", ApplyToAll: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, &Rule{InstanceID: otherID, Name: "elsewhere", ApplyToAll: true})
	require.NoError(t, err)

	rules, err := store.ListByInstance(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, first.ID, rules[0].ID)
	assert.Equal(t, second.ID, rules[1].ID)
	assert.Less(t, rules[0].SortOrder, rules[1].SortOrder)
}

func TestRuleStore_Update(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-update")
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.Create(ctx, &Rule{
		InstanceID:     instanceID,
		Name:           "before",
		ApplyToAll:     true,
		UploadLimitKiB: int64Ptr(1024),
	})
	require.NoError(t, err)

	created.Name = "after"
	created.Enabled = true
	created.UploadLimitKiB = nil
	created.DownloadLimitKiB = int64Ptr(2048)

	updated, err := store.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)
	assert.True(t, updated.Enabled)
	assert.Nil(t, updated.UploadLimitKiB)
	require.NotNil(t, updated.DownloadLimitKiB)
	assert.Equal(t, int64(2048), *updated.DownloadLimitKiB)
}

func TestRuleStore_UpdateNotFound(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-update-missing")
	store := NewRuleStore(db)

	_, err := store.Update(context.Background(), &Rule{
		ID:         9999,
		InstanceID: instanceID,
		Name:       "ghost",
		ApplyToAll: true,
	})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleStore_Delete(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-delete")
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "gone", ApplyToAll: true})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, instanceID, created.ID))

	_, err = store.Get(ctx, instanceID, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	assert.ErrorIs(t, store.Delete(ctx, instanceID, created.ID), ErrRuleNotFound)
}

func TestRuleStore_Reorder(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-reorder")
	store := NewRuleStore(db)
	ctx := context.Background()

	a, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "a", ApplyToAll: true})
	require.NoError(t, err)
	b, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "b", ApplyToAll: true})
	require.NoError(t, err)
	c, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "c", ApplyToAll: true})
	require.NoError(t, err)

	require.NoError(t, store.Reorder(ctx, instanceID, []int{c.ID, a.ID, b.ID}))

	rules, err := store.ListByInstance(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{rules[0].Name, rules[1].Name, rules[2].Name})
}

func TestRuleStore_ReorderUnknownID(t *testing.T) {
	db := newTestDB(t)
	instanceID := createTestInstance(t, db, "rules-reorder-bad")
	store := NewRuleStore(db)
	ctx := context.Background()

	a, err := store.Create(ctx, &Rule{InstanceID: instanceID, Name: "a", ApplyToAll: true})
	require.NoError(t, err)

	err = store.Reorder(ctx, instanceID, []int{a.ID, 9999})
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// The failed transaction left the original order untouched.
	rules, err := store.ListByInstance(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, a.SortOrder, rules[0].SortOrder)
}
