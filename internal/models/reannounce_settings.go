// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/autobrr/curator/internal/dbinterface"
)

// Reannounce retry defaults. MaxRetries is clamped to [1, 50] on write.
const (
	DefaultReannounceInitialWaitSeconds = 15
	DefaultReannounceIntervalSeconds    = 7
	DefaultReannounceMaxRetries         = 50
	MaxReannounceRetries                = 50
)

// ReannounceSettings holds the per-instance retry and monitor-scope
// configuration for the stalled-torrent reannounce scheduler.
type ReannounceSettings struct {
	InstanceID                int       `json:"instanceId"`
	Enabled                   bool      `json:"enabled"`
	InitialWaitSeconds        int       `json:"initialWaitSeconds"`
	ReannounceIntervalSeconds int       `json:"reannounceIntervalSeconds"`
	MaxRetries                int       `json:"maxRetries"`
	Aggressive                bool      `json:"aggressive"`
	MonitorAll                bool      `json:"monitorAll"`
	Categories                []string  `json:"categories"`
	Tags                      []string  `json:"tags"`
	Trackers                  []string  `json:"trackers"`
	UpdatedAt                 time.Time `json:"updatedAt"`
}

// DefaultReannounceSettings returns the settings used when an instance has
// no stored row yet.
func DefaultReannounceSettings(instanceID int) *ReannounceSettings {
	return &ReannounceSettings{
		InstanceID:                instanceID,
		Enabled:                   false,
		InitialWaitSeconds:        DefaultReannounceInitialWaitSeconds,
		ReannounceIntervalSeconds: DefaultReannounceIntervalSeconds,
		MaxRetries:                DefaultReannounceMaxRetries,
		MonitorAll:                true,
		Categories:                []string{},
		Tags:                      []string{},
		Trackers:                  []string{},
	}
}

func (s *ReannounceSettings) normalize() {
	if s.InitialWaitSeconds < 0 {
		s.InitialWaitSeconds = 0
	}
	if s.ReannounceIntervalSeconds <= 0 {
		s.ReannounceIntervalSeconds = DefaultReannounceIntervalSeconds
	}
	if s.MaxRetries < 1 {
		s.MaxRetries = 1
	}
	if s.MaxRetries > MaxReannounceRetries {
		s.MaxRetries = MaxReannounceRetries
	}
	s.Categories = sanitizeStringSlice(s.Categories)
	s.Tags = sanitizeStringSlice(s.Tags)
	s.Trackers = sanitizeStringSlice(s.Trackers)
}

type ReannounceSettingsStore struct {
	db dbinterface.Querier
}

func NewReannounceSettingsStore(db dbinterface.Querier) *ReannounceSettingsStore {
	return &ReannounceSettingsStore{db: db}
}

// Get returns the instance's settings, falling back to defaults when no row
// has been stored yet.
func (s *ReannounceSettingsStore) Get(ctx context.Context, instanceID int) (*ReannounceSettings, error) {
	query := `
		SELECT instance_id, enabled, initial_wait_seconds, reannounce_interval_seconds,
		       max_retries, aggressive, monitor_all, categories, tags, trackers, updated_at
		FROM reannounce_settings
		WHERE instance_id = ?
	`
	settings, err := scanReannounceSettings(s.db.QueryRowContext(ctx, query, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultReannounceSettings(instanceID), nil
	}
	return settings, err
}

// List returns stored settings for all instances.
func (s *ReannounceSettingsStore) List(ctx context.Context) ([]*ReannounceSettings, error) {
	query := `
		SELECT instance_id, enabled, initial_wait_seconds, reannounce_interval_seconds,
		       max_retries, aggressive, monitor_all, categories, tags, trackers, updated_at
		FROM reannounce_settings
		ORDER BY instance_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*ReannounceSettings
	for rows.Next() {
		row, err := scanReannounceSettings(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, row)
	}

	return settings, rows.Err()
}

// Upsert stores the settings, replacing any existing row for the instance.
func (s *ReannounceSettingsStore) Upsert(ctx context.Context, settings *ReannounceSettings) (*ReannounceSettings, error) {
	settings.normalize()

	query := `
		INSERT INTO reannounce_settings (
			instance_id, enabled, initial_wait_seconds, reannounce_interval_seconds,
			max_retries, aggressive, monitor_all, categories, tags, trackers, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(instance_id) DO UPDATE SET
			enabled = excluded.enabled,
			initial_wait_seconds = excluded.initial_wait_seconds,
			reannounce_interval_seconds = excluded.reannounce_interval_seconds,
			max_retries = excluded.max_retries,
			aggressive = excluded.aggressive,
			monitor_all = excluded.monitor_all,
			categories = excluded.categories,
			tags = excluded.tags,
			trackers = excluded.trackers,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		settings.InstanceID,
		boolToInt(settings.Enabled),
		settings.InitialWaitSeconds,
		settings.ReannounceIntervalSeconds,
		settings.MaxRetries,
		boolToInt(settings.Aggressive),
		boolToInt(settings.MonitorAll),
		encodeStringSliceJSON(settings.Categories),
		encodeStringSliceJSON(settings.Tags),
		encodeStringSliceJSON(settings.Trackers),
	)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, settings.InstanceID)
}

func scanReannounceSettings(row rowScanner) (*ReannounceSettings, error) {
	var settings ReannounceSettings
	var enabled, aggressive, monitorAll int
	var categories, tags, trackers string

	err := row.Scan(
		&settings.InstanceID,
		&enabled,
		&settings.InitialWaitSeconds,
		&settings.ReannounceIntervalSeconds,
		&settings.MaxRetries,
		&aggressive,
		&monitorAll,
		&categories,
		&tags,
		&trackers,
		&settings.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	settings.Enabled = enabled != 0
	settings.Aggressive = aggressive != 0
	settings.MonitorAll = monitorAll != 0
	settings.Categories = decodeStringSliceJSON(categories)
	settings.Tags = decodeStringSliceJSON(tags)
	settings.Trackers = decodeStringSliceJSON(trackers)

	return &settings, nil
}

func encodeStringSliceJSON(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStringSliceJSON(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return []string{}
	}
	return values
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sanitizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := trimLower(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
