// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/curator/internal/database"
	"github.com/autobrr/curator/internal/testdb"
)

var testEncryptionKey = bytes.Repeat([]byte{0x42}, 32)

// newTestDB opens a fresh migrated database for one test.
func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(testdb.PathFromTemplate(t, "models", "models.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// createTestInstance inserts an instance row and returns its ID. Activity and
// rule rows reference instances, so most store tests need one.
func createTestInstance(t *testing.T, db *database.DB, name string) int {
	t.Helper()

	store, err := NewInstanceStore(db, testEncryptionKey)
	require.NoError(t, err)

	instance, err := store.Create(context.Background(), name, "http://localhost:8080", "admin", "secret", false)
	require.NoError(t, err)

	return instance.ID
}
