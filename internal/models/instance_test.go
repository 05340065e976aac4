// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndNormalizeHost(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain host gets http scheme", input: "localhost:8080", want: "http://localhost:8080"},
		{name: "https preserved", input: "https://qbit.example.com", want: "https://qbit.example.com"},
		{name: "surrounding whitespace trimmed", input: "  http://localhost:8080  ", want: "http://localhost:8080"},
		{name: "empty host", input: "", wantErr: true},
		{name: "unsupported scheme", input: "ftp://example.com", wantErr: true},
		{name: "scheme without host", input: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateAndNormalizeHost(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstanceStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := store.Create(ctx, "seedbox", "localhost:8080", "admin", "secret", true)
	require.NoError(t, err)

	assert.Positive(t, created.ID)
	assert.Equal(t, "seedbox", created.Name)
	assert.Equal(t, "http://localhost:8080", created.Host)
	assert.Equal(t, "admin", created.Username)
	assert.True(t, created.TLSSkipVerify)
	assert.True(t, created.IsActive)
	assert.NotEqual(t, "secret", created.PasswordEncrypted)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	password, err := store.GetDecryptedPassword(got)
	require.NoError(t, err)
	assert.Equal(t, "secret", password)
}

func TestInstanceStore_CreateRejectsBadHost(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)

	_, err = store.Create(context.Background(), "bad", "ftp://example.com", "admin", "secret", false)
	assert.Error(t, err)
}

func TestInstanceStore_GetNotFound(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), 424242)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestInstanceStore_ListActive(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)
	ctx := context.Background()

	active, err := store.Create(ctx, "active", "http://localhost:8080", "admin", "secret", false)
	require.NoError(t, err)
	disabled, err := store.Create(ctx, "disabled", "http://localhost:8081", "admin", "secret", false)
	require.NoError(t, err)
	_, err = store.Update(ctx, disabled.ID, disabled.Name, disabled.Host, disabled.Username, "", false, false)
	require.NoError(t, err)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	got, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestInstanceStore_UpdateKeepsPasswordWhenEmpty(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := store.Create(ctx, "seedbox", "http://localhost:8080", "admin", "secret", false)
	require.NoError(t, err)

	updated, err := store.Update(ctx, created.ID, "renamed", "https://qbit.example.com", "operator", "", true, true)
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "https://qbit.example.com", updated.Host)
	assert.Equal(t, "operator", updated.Username)
	assert.True(t, updated.TLSSkipVerify)

	password, err := store.GetDecryptedPassword(updated)
	require.NoError(t, err)
	assert.Equal(t, "secret", password)

	updated, err = store.Update(ctx, created.ID, "renamed", updated.Host, "operator", "changed", true, true)
	require.NoError(t, err)

	password, err = store.GetDecryptedPassword(updated)
	require.NoError(t, err)
	assert.Equal(t, "changed", password)
}

func TestInstanceStore_Delete(t *testing.T) {
	db := newTestDB(t)
	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := store.Create(ctx, "seedbox", "http://localhost:8080", "admin", "secret", false)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrInstanceNotFound)

	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
