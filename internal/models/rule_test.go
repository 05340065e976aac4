// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func float64Ptr(v float64) *float64 { return &v }

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{
			name:    "name required",
			rule:    Rule{ApplyToAll: true},
			wantErr: "rule name is required",
		},
		{
			name:    "scope required",
			rule:    Rule{Name: "r"},
			wantErr: "select at least one tracker or enable apply-to-all",
		},
		{
			name: "apply to all is a valid scope",
			rule: Rule{Name: "r", ApplyToAll: true},
		},
		{
			name: "tracker pattern is a valid scope",
			rule: Rule{Name: "r", TrackerPattern: strPtr("example.com")},
		},
		{
			name:    "whitespace pattern is not a scope",
			rule:    Rule{Name: "r", TrackerPattern: strPtr("   ")},
			wantErr: "select at least one tracker or enable apply-to-all",
		},
		{
			name:    "unknown tag match mode",
			rule:    Rule{Name: "r", ApplyToAll: true, TagMatchMode: "some"},
			wantErr: `unknown tag match mode "some"`,
		},
		{
			name: "valid tag match modes",
			rule: Rule{Name: "r", ApplyToAll: true, TagMatchMode: TagMatchModeAll},
		},
		{
			name:    "unknown delete mode",
			rule:    Rule{Name: "r", ApplyToAll: true, DeleteMode: strPtr("nuke")},
			wantErr: `unknown delete mode "nuke"`,
		},
		{
			name: "legacy fields and conditions are mutually exclusive",
			rule: Rule{
				Name:       "r",
				ApplyToAll: true,
				RatioLimit: float64Ptr(2.0),
				Conditions: &ActionConditions{
					Pause: &PauseAction{Enabled: true},
				},
			},
			wantErr: "rule cannot combine legacy fields with conditions",
		},
		{
			name: "expression rule validates its conditions",
			rule: Rule{
				Name:       "r",
				ApplyToAll: true,
				Conditions: &ActionConditions{},
			},
			wantErr: "conditions must define at least one action",
		},
		{
			name: "valid expression rule",
			rule: Rule{
				Name:       "r",
				ApplyToAll: true,
				Conditions: &ActionConditions{
					SpeedLimits: &SpeedLimitAction{
						Enabled:   true,
						UploadKiB: int64Ptr(1024),
					},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRuleValidate_DefaultsSchemaVersion(t *testing.T) {
	rule := Rule{
		Name:       "r",
		ApplyToAll: true,
		Conditions: &ActionConditions{
			Pause: &PauseAction{Enabled: true},
		},
	}

	require.NoError(t, rule.Validate())
	assert.Equal(t, ConditionsSchemaVersion, rule.Conditions.SchemaVersion)
}

func TestRuleIsExpression(t *testing.T) {
	assert.False(t, (&Rule{}).IsExpression())
	assert.True(t, (&Rule{Conditions: &ActionConditions{}}).IsExpression())
}

func TestSplitTrackerPattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"", []string{}},
		{"a.com", []string{"a.com"}},
		{"a.com, b.com", []string{"a.com", "b.com"}},
		{"a.com; b.com | c.com", []string{"a.com", "b.com", "c.com"}},
		{" , ; ", []string{}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitTrackerPattern(tt.pattern))
	}
}

func TestRuleConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    *RuleCondition
		wantErr bool
	}{
		{
			name: "valid leaf",
			cond: &RuleCondition{Field: FieldRatio, Operator: OpGreaterThan, Value: "2.0"},
		},
		{
			name: "valid group",
			cond: &RuleCondition{
				Operator: OpAnd,
				Conditions: []*RuleCondition{
					{Field: FieldCategory, Operator: OpEqual, Value: "tv"},
				},
			},
		},
		{
			name:    "group needs children",
			cond:    &RuleCondition{Operator: OpOr},
			wantErr: true,
		},
		{
			name:    "leaf needs field",
			cond:    &RuleCondition{Operator: OpEqual, Value: "x"},
			wantErr: true,
		},
		{
			name:    "unknown operator",
			cond:    &RuleCondition{Field: FieldName, Operator: "LIKE", Value: "x"},
			wantErr: true,
		},
		{
			name:    "between requires bounds",
			cond:    &RuleCondition{Field: FieldSize, Operator: OpBetween},
			wantErr: true,
		},
		{
			name: "between with bounds",
			cond: &RuleCondition{Field: FieldSize, Operator: OpBetween, MinValue: "1", MaxValue: "10"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRuleConditionValidate_DepthCap(t *testing.T) {
	cond := &RuleCondition{Field: FieldName, Operator: OpContains, Value: "x"}
	for range 25 {
		cond = &RuleCondition{Operator: OpAnd, Conditions: []*RuleCondition{cond}}
	}

	assert.Error(t, cond.Validate())
}

func TestCompileRegex(t *testing.T) {
	cond := &RuleCondition{Field: FieldName, Operator: OpMatches, Value: `S\d{2}`}
	require.NoError(t, cond.CompileRegex())
	require.NotNil(t, cond.Regexp())

	// Patterns are case insensitive.
	assert.True(t, cond.Regexp().MatchString("s01"))

	bad := &RuleCondition{Field: FieldName, Operator: OpMatches, Value: `[`}
	assert.Error(t, bad.CompileRegex())
}

func TestActionConditionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		conds   ActionConditions
		wantErr bool
	}{
		{
			name:    "empty document",
			conds:   ActionConditions{},
			wantErr: true,
		},
		{
			name: "speed limit needs a direction",
			conds: ActionConditions{
				SpeedLimits: &SpeedLimitAction{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "delete needs a known mode",
			conds: ActionConditions{
				Delete: &DeleteAction{Enabled: true, Mode: "wipe"},
			},
			wantErr: true,
		},
		{
			name: "valid delete",
			conds: ActionConditions{
				Delete: &DeleteAction{Enabled: true, Mode: DeleteModePreserveCrossSeeds},
			},
		},
		{
			name: "tag needs a known mode",
			conds: ActionConditions{
				Tag: &TagAction{Enabled: true, Mode: "toggle", Tags: []string{"x"}},
			},
			wantErr: true,
		},
		{
			name: "add mode needs tags",
			conds: ActionConditions{
				Tag: &TagAction{Enabled: true, Mode: TagModeAdd},
			},
			wantErr: true,
		},
		{
			name: "valid tag",
			conds: ActionConditions{
				Tag: &TagAction{Enabled: true, Mode: TagModeAdd, Tags: []string{"x"}},
			},
		},
		{
			name: "disabled sub-actions are not validated",
			conds: ActionConditions{
				SpeedLimits: &SpeedLimitAction{Enabled: false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conds.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
