// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/curator/internal/models"
)

func TestEvaluateCondition_Leaves(t *testing.T) {
	torrent := qbt.Torrent{
		Hash:        "abc",
		Name:        "Some.Show.S01E01.1080p.WEB",
		Category:    "tv",
		Tags:        "keep, archive",
		Tracker:     "https://announce.example.com/announce",
		Size:        5 << 30,
		Ratio:       2.5,
		SeedingTime: 3600,
	}

	tests := []struct {
		name string
		cond *models.RuleCondition
		want bool
	}{
		{
			name: "name contains",
			cond: &models.RuleCondition{Field: models.FieldName, Operator: models.OpContains, Value: "1080p"},
			want: true,
		},
		{
			name: "name contains case insensitive",
			cond: &models.RuleCondition{Field: models.FieldName, Operator: models.OpContains, Value: "web"},
			want: true,
		},
		{
			name: "name matches regex",
			cond: &models.RuleCondition{Field: models.FieldName, Operator: models.OpMatches, Value: `S\d{2}E\d{2}`},
			want: true,
		},
		{
			name: "invalid regex never matches",
			cond: &models.RuleCondition{Field: models.FieldName, Operator: models.OpMatches, Value: `[unclosed`},
			want: false,
		},
		{
			name: "category equal",
			cond: &models.RuleCondition{Field: models.FieldCategory, Operator: models.OpEqual, Value: "TV"},
			want: true,
		},
		{
			name: "tags equal means has exact tag",
			cond: &models.RuleCondition{Field: models.FieldTags, Operator: models.OpEqual, Value: "keep"},
			want: true,
		},
		{
			name: "tags equal does not match substring",
			cond: &models.RuleCondition{Field: models.FieldTags, Operator: models.OpEqual, Value: "kee"},
			want: false,
		},
		{
			name: "tags contains matches substring of any tag",
			cond: &models.RuleCondition{Field: models.FieldTags, Operator: models.OpContains, Value: "arch"},
			want: true,
		},
		{
			name: "tags not contains",
			cond: &models.RuleCondition{Field: models.FieldTags, Operator: models.OpNotContains, Value: "seed"},
			want: true,
		},
		{
			name: "tracker equal against collected domain",
			cond: &models.RuleCondition{Field: models.FieldTracker, Operator: models.OpEqual, Value: "announce.example.com"},
			want: true,
		},
		{
			name: "tracker contains",
			cond: &models.RuleCondition{Field: models.FieldTracker, Operator: models.OpContains, Value: "example"},
			want: true,
		},
		{
			name: "size greater than",
			cond: &models.RuleCondition{Field: models.FieldSize, Operator: models.OpGreaterThan, Value: "1073741824"},
			want: true,
		},
		{
			name: "size between",
			cond: &models.RuleCondition{Field: models.FieldSize, Operator: models.OpBetween, MinValue: "1073741824", MaxValue: "10737418240"},
			want: true,
		},
		{
			name: "size between outside range",
			cond: &models.RuleCondition{Field: models.FieldSize, Operator: models.OpBetween, MinValue: "1", MaxValue: "1024"},
			want: false,
		},
		{
			name: "ratio greater equal",
			cond: &models.RuleCondition{Field: models.FieldRatio, Operator: models.OpGreaterEqual, Value: "2.5"},
			want: true,
		},
		{
			name: "ratio less than",
			cond: &models.RuleCondition{Field: models.FieldRatio, Operator: models.OpLessThan, Value: "2.0"},
			want: false,
		},
		{
			name: "seeding time in seconds",
			cond: &models.RuleCondition{Field: models.FieldSeedingTime, Operator: models.OpGreaterEqual, Value: "3600"},
			want: true,
		},
		{
			name: "negate inverts leaf",
			cond: &models.RuleCondition{Field: models.FieldCategory, Operator: models.OpEqual, Value: "tv", Negate: true},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateCondition(tt.cond, torrent, nil, 0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_Groups(t *testing.T) {
	torrent := qbt.Torrent{
		Name:     "linux-iso",
		Category: "iso",
		Ratio:    1.5,
	}

	andCond := &models.RuleCondition{
		Operator: models.OpAnd,
		Conditions: []*models.RuleCondition{
			{Field: models.FieldCategory, Operator: models.OpEqual, Value: "iso"},
			{Field: models.FieldRatio, Operator: models.OpGreaterThan, Value: "1.0"},
		},
	}
	assert.True(t, EvaluateCondition(andCond, torrent, nil, 0))

	andCond.Conditions[1].Value = "2.0"
	assert.False(t, EvaluateCondition(andCond, torrent, nil, 0))

	orCond := &models.RuleCondition{
		Operator: models.OpOr,
		Conditions: []*models.RuleCondition{
			{Field: models.FieldCategory, Operator: models.OpEqual, Value: "movies"},
			{Field: models.FieldName, Operator: models.OpContains, Value: "linux"},
		},
	}
	assert.True(t, EvaluateCondition(orCond, torrent, nil, 0))

	negatedGroup := &models.RuleCondition{
		Operator: models.OpOr,
		Negate:   true,
		Conditions: []*models.RuleCondition{
			{Field: models.FieldCategory, Operator: models.OpEqual, Value: "movies"},
		},
	}
	assert.True(t, EvaluateCondition(negatedGroup, torrent, nil, 0))
}

func TestEvaluateCondition_Unregistered(t *testing.T) {
	torrent := qbt.Torrent{Hash: "abc"}
	cond := &models.RuleCondition{Field: models.FieldUnregistered, Operator: models.OpEqual, Value: "true"}

	ctx := &EvalContext{UnregisteredSet: map[string]struct{}{"abc": {}}}
	assert.True(t, EvaluateCondition(cond, torrent, ctx, 0))

	ctx = &EvalContext{UnregisteredSet: map[string]struct{}{}}
	assert.False(t, EvaluateCondition(cond, torrent, ctx, 0))

	// Without health data the torrent is treated as registered.
	assert.False(t, EvaluateCondition(cond, torrent, nil, 0))

	// Empty value defaults to true.
	cond = &models.RuleCondition{Field: models.FieldUnregistered, Operator: models.OpEqual}
	ctx = &EvalContext{UnregisteredSet: map[string]struct{}{"abc": {}}}
	assert.True(t, EvaluateCondition(cond, torrent, ctx, 0))
}

func TestEvaluateCondition_DepthCap(t *testing.T) {
	leaf := &models.RuleCondition{Field: models.FieldName, Operator: models.OpContains, Value: "x"}
	cond := leaf
	for range 25 {
		cond = &models.RuleCondition{Operator: models.OpAnd, Conditions: []*models.RuleCondition{cond}}
	}

	assert.False(t, EvaluateCondition(cond, qbt.Torrent{Name: "x"}, nil, 0))
}

func TestEvaluateCondition_NilCondition(t *testing.T) {
	assert.False(t, EvaluateCondition(nil, qbt.Torrent{}, nil, 0))
}

func TestConditionUsesField(t *testing.T) {
	cond := &models.RuleCondition{
		Operator: models.OpAnd,
		Conditions: []*models.RuleCondition{
			{Field: models.FieldCategory, Operator: models.OpEqual, Value: "tv"},
			{
				Operator: models.OpOr,
				Conditions: []*models.RuleCondition{
					{Field: models.FieldUnregistered, Operator: models.OpEqual, Value: "true"},
				},
			},
		},
	}

	assert.True(t, ConditionUsesField(cond, models.FieldUnregistered))
	assert.True(t, ConditionUsesField(cond, models.FieldCategory))
	assert.False(t, ConditionUsesField(cond, models.FieldRatio))
	assert.False(t, ConditionUsesField(nil, models.FieldRatio))
}

func TestCompareTrackerDomains_NegativeOperators(t *testing.T) {
	torrent := qbt.Torrent{Hash: "abc"}
	ctx := &EvalContext{TrackerDomainsByHash: map[string][]string{
		"abc": {"tracker.one.com", "tracker.two.com"},
	}}

	// NOT_CONTAINS must hold for every domain.
	cond := &models.RuleCondition{Field: models.FieldTracker, Operator: models.OpNotContains, Value: "one"}
	assert.False(t, EvaluateCondition(cond, torrent, ctx, 0))

	cond = &models.RuleCondition{Field: models.FieldTracker, Operator: models.OpNotContains, Value: "three"}
	assert.True(t, EvaluateCondition(cond, torrent, ctx, 0))

	// Positive operators need only one domain.
	cond = &models.RuleCondition{Field: models.FieldTracker, Operator: models.OpEqual, Value: "tracker.two.com"}
	assert.True(t, EvaluateCondition(cond, torrent, ctx, 0))
}
