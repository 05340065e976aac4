// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/curator/internal/dbinterface"
)

var ErrRuleNotFound = errors.New("automation rule not found")

// Rule scopes torrents by tracker/category/tag and carries exactly one of
// two action payloads: the legacy fixed fields, or an expression Conditions
// document. Conditions being non-nil is what makes a rule expression-based.
type Rule struct {
	ID             int      `json:"id"`
	InstanceID     int      `json:"instanceId"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	SortOrder      int      `json:"sortOrder"`
	ApplyToAll     bool     `json:"applyToAll"`
	TrackerPattern *string  `json:"trackerPattern,omitempty"`
	TrackerDomains []string `json:"trackerDomains,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TagMatchMode   string   `json:"tagMatchMode"`

	// Legacy action fields.
	UploadLimitKiB          *int64   `json:"uploadLimitKiB,omitempty"`
	DownloadLimitKiB        *int64   `json:"downloadLimitKiB,omitempty"`
	RatioLimit              *float64 `json:"ratioLimit,omitempty"`
	SeedingTimeLimitMinutes *int64   `json:"seedingTimeLimitMinutes,omitempty"`
	DeleteMode              *string  `json:"deleteMode,omitempty"`
	DeleteUnregistered      bool     `json:"deleteUnregistered"`

	// Expression action payload.
	Conditions *ActionConditions `json:"conditions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsExpression reports whether the rule uses the expression action variant.
func (r *Rule) IsExpression() bool {
	return r.Conditions != nil
}

func (r *Rule) hasLegacyActions() bool {
	return r.UploadLimitKiB != nil || r.DownloadLimitKiB != nil ||
		r.RatioLimit != nil || r.SeedingTimeLimitMinutes != nil ||
		(r.DeleteMode != nil && *r.DeleteMode != DeleteModeNone) ||
		r.DeleteUnregistered
}

// Validate enforces the variant invariant and payload soundness.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}

	switch r.TagMatchMode {
	case "", TagMatchModeAny, TagMatchModeAll:
	default:
		return fmt.Errorf("unknown tag match mode %q", r.TagMatchMode)
	}

	if !r.ApplyToAll && len(r.TrackerDomains) == 0 && trimPtr(r.TrackerPattern) == "" {
		return errors.New("select at least one tracker or enable apply-to-all")
	}

	if r.IsExpression() {
		if r.hasLegacyActions() {
			return errors.New("rule cannot combine legacy fields with conditions")
		}
		if r.Conditions.SchemaVersion == 0 {
			r.Conditions.SchemaVersion = ConditionsSchemaVersion
		}
		return r.Conditions.Validate()
	}

	if r.DeleteMode != nil && *r.DeleteMode != DeleteModeNone && !validDeleteMode(*r.DeleteMode) {
		return fmt.Errorf("unknown delete mode %q", *r.DeleteMode)
	}

	return nil
}

func trimPtr(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// SplitTrackerPattern breaks a raw pattern into individual tracker tokens.
// Commas, semicolons and pipes all act as separators.
func SplitTrackerPattern(pattern string) []string {
	fields := strings.FieldsFunc(pattern, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})

	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if token := strings.TrimSpace(field); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

type RuleStore struct {
	db dbinterface.TxBeginner
}

func NewRuleStore(db dbinterface.TxBeginner) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `
	id, instance_id, name, enabled, sort_order, apply_to_all,
	tracker_pattern, tracker_domains, categories, tags, tag_match_mode,
	upload_limit_kib, download_limit_kib, ratio_limit, seeding_time_limit_minutes,
	delete_mode, delete_unregistered, conditions, created_at, updated_at
`

func (s *RuleStore) ListByInstance(ctx context.Context, instanceID int) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM automation_rules
		WHERE instance_id = ?
		ORDER BY sort_order ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *RuleStore) Get(ctx context.Context, instanceID, ruleID int) (*Rule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM automation_rules
		WHERE instance_id = ? AND id = ?
	`
	rule, err := scanRule(s.db.QueryRowContext(ctx, query, instanceID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

func (s *RuleStore) nextSortOrder(ctx context.Context, instanceID int) (int, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(sort_order) FROM automation_rules WHERE instance_id = ?", instanceID,
	).Scan(&next)
	if err != nil {
		return 0, err
	}
	return int(next.Int64) + 1, nil
}

func (s *RuleStore) Create(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	sortOrder, err := s.nextSortOrder(ctx, rule.InstanceID)
	if err != nil {
		return nil, err
	}

	conditionsJSON, err := encodeConditions(rule.Conditions)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO automation_rules (
			instance_id, name, enabled, sort_order, apply_to_all,
			tracker_pattern, tracker_domains, categories, tags, tag_match_mode,
			upload_limit_kib, download_limit_kib, ratio_limit, seeding_time_limit_minutes,
			delete_mode, delete_unregistered, conditions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rule.InstanceID,
		strings.TrimSpace(rule.Name),
		boolToInt(rule.Enabled),
		sortOrder,
		boolToInt(rule.ApplyToAll),
		nullableString(rule.TrackerPattern),
		encodeStringSlice(rule.TrackerDomains),
		encodeStringSlice(rule.Categories),
		encodeStringSlice(rule.Tags),
		normalizeTagMatchMode(rule.TagMatchMode),
		nullableInt64(rule.UploadLimitKiB),
		nullableInt64(rule.DownloadLimitKiB),
		nullableFloat64(rule.RatioLimit),
		nullableInt64(rule.SeedingTimeLimitMinutes),
		nullableString(rule.DeleteMode),
		boolToInt(rule.DeleteUnregistered),
		conditionsJSON,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, rule.InstanceID, int(id))
}

func (s *RuleStore) Update(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	conditionsJSON, err := encodeConditions(rule.Conditions)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE automation_rules SET
			name = ?, enabled = ?, apply_to_all = ?,
			tracker_pattern = ?, tracker_domains = ?, categories = ?, tags = ?, tag_match_mode = ?,
			upload_limit_kib = ?, download_limit_kib = ?, ratio_limit = ?, seeding_time_limit_minutes = ?,
			delete_mode = ?, delete_unregistered = ?, conditions = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		strings.TrimSpace(rule.Name),
		boolToInt(rule.Enabled),
		boolToInt(rule.ApplyToAll),
		nullableString(rule.TrackerPattern),
		encodeStringSlice(rule.TrackerDomains),
		encodeStringSlice(rule.Categories),
		encodeStringSlice(rule.Tags),
		normalizeTagMatchMode(rule.TagMatchMode),
		nullableInt64(rule.UploadLimitKiB),
		nullableInt64(rule.DownloadLimitKiB),
		nullableFloat64(rule.RatioLimit),
		nullableInt64(rule.SeedingTimeLimitMinutes),
		nullableString(rule.DeleteMode),
		boolToInt(rule.DeleteUnregistered),
		conditionsJSON,
		rule.InstanceID,
		rule.ID,
	)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrRuleNotFound
	}

	return s.Get(ctx, rule.InstanceID, rule.ID)
}

func (s *RuleStore) Delete(ctx context.Context, instanceID, ruleID int) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM automation_rules WHERE instance_id = ? AND id = ?", instanceID, ruleID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Reorder rewrites sort_order for the instance's rules to match the given id
// order. IDs not listed keep their relative order after the listed ones.
func (s *RuleStore) Reorder(ctx context.Context, instanceID int, ruleIDs []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for idx, ruleID := range ruleIDs {
		result, err := tx.ExecContext(ctx,
			"UPDATE automation_rules SET sort_order = ?, updated_at = CURRENT_TIMESTAMP WHERE instance_id = ? AND id = ?",
			idx+1, instanceID, ruleID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: id %d", ErrRuleNotFound, ruleID)
		}
	}

	return tx.Commit()
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var (
		enabled, applyToAll, deleteUnregistered int
		trackerPattern, deleteMode              sql.NullString
		trackerDomains, categories, tags        sql.NullString
		tagMatchMode                            string
		uploadLimit, downloadLimit, seedingTime sql.NullInt64
		ratioLimit                              sql.NullFloat64
		conditions                              sql.NullString
	)

	err := row.Scan(
		&rule.ID,
		&rule.InstanceID,
		&rule.Name,
		&enabled,
		&rule.SortOrder,
		&applyToAll,
		&trackerPattern,
		&trackerDomains,
		&categories,
		&tags,
		&tagMatchMode,
		&uploadLimit,
		&downloadLimit,
		&ratioLimit,
		&seedingTime,
		&deleteMode,
		&deleteUnregistered,
		&conditions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.ApplyToAll = applyToAll != 0
	rule.DeleteUnregistered = deleteUnregistered != 0
	rule.TagMatchMode = tagMatchMode

	if trackerPattern.Valid {
		rule.TrackerPattern = &trackerPattern.String
	}
	if deleteMode.Valid {
		rule.DeleteMode = &deleteMode.String
	}
	if uploadLimit.Valid {
		rule.UploadLimitKiB = &uploadLimit.Int64
	}
	if downloadLimit.Valid {
		rule.DownloadLimitKiB = &downloadLimit.Int64
	}
	if seedingTime.Valid {
		rule.SeedingTimeLimitMinutes = &seedingTime.Int64
	}
	if ratioLimit.Valid {
		rule.RatioLimit = &ratioLimit.Float64
	}

	rule.TrackerDomains = decodeStringSlice(trackerDomains)
	rule.Categories = decodeStringSlice(categories)
	rule.Tags = decodeStringSlice(tags)

	if conditions.Valid && conditions.String != "" {
		var parsed ActionConditions
		if err := json.Unmarshal([]byte(conditions.String), &parsed); err != nil {
			return nil, fmt.Errorf("rule %d: malformed conditions: %w", rule.ID, err)
		}
		rule.Conditions = &parsed
	}

	return &rule, nil
}

func encodeConditions(conditions *ActionConditions) (any, error) {
	if conditions == nil {
		return nil, nil
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	return string(data), nil
}

func encodeStringSlice(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeStringSlice(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}

func normalizeTagMatchMode(mode string) string {
	if mode == TagMatchModeAll {
		return TagMatchModeAll
	}
	return TagMatchModeAny
}

func nullableString(s *string) any {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return strings.TrimSpace(*s)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
