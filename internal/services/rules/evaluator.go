// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"strconv"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
)

const maxConditionDepth = 20

// EvalContext provides snapshot-scoped context for condition evaluation.
type EvalContext struct {
	// UnregisteredSet contains hashes whose trackers reported the torrent as
	// unregistered. Nil when tracker health was not collected for this scan.
	UnregisteredSet map[string]struct{}

	// TrackerDomainsByHash caches the collected tracker domains per torrent.
	TrackerDomainsByHash map[string][]string
}

// EvaluateCondition recursively evaluates a condition tree against a torrent.
// A nil condition never matches; depth is capped to guard against cyclic or
// degenerate trees.
func EvaluateCondition(cond *models.RuleCondition, torrent qbt.Torrent, ctx *EvalContext, depth int) bool {
	if cond == nil || depth > maxConditionDepth {
		return false
	}

	if cond.Operator == models.OpMatches {
		if err := cond.CompileRegex(); err != nil {
			log.Debug().
				Err(err).
				Str("field", string(cond.Field)).
				Str("pattern", cond.Value).
				Msg("rules: regex compilation failed")
			return false
		}
	}

	var result bool

	if cond.IsGroup() {
		switch cond.Operator {
		case models.OpOr:
			result = false
			for _, child := range cond.Conditions {
				if EvaluateCondition(child, torrent, ctx, depth+1) {
					result = true
					break
				}
			}
		case models.OpAnd:
			result = true
			for _, child := range cond.Conditions {
				if !EvaluateCondition(child, torrent, ctx, depth+1) {
					result = false
					break
				}
			}
		}
	} else {
		result = evaluateLeaf(cond, torrent, ctx)
	}

	if cond.Negate {
		result = !result
	}

	return result
}

func evaluateLeaf(cond *models.RuleCondition, torrent qbt.Torrent, ctx *EvalContext) bool {
	switch cond.Field {
	case models.FieldName:
		return compareString(torrent.Name, cond)
	case models.FieldCategory:
		return compareString(torrent.Category, cond)
	case models.FieldTags:
		return compareTags(torrent.Tags, cond)
	case models.FieldTracker:
		return compareTrackerDomains(torrent, cond, ctx)
	case models.FieldSize:
		return compareInt64(torrent.Size, cond)
	case models.FieldSeedingTime:
		// torrent.SeedingTime is in seconds
		return compareInt64(torrent.SeedingTime, cond)
	case models.FieldRatio:
		return compareFloat64(torrent.Ratio, cond)
	case models.FieldUnregistered:
		isUnregistered := false
		if ctx != nil && ctx.UnregisteredSet != nil {
			_, isUnregistered = ctx.UnregisteredSet[torrent.Hash]
		}
		return compareBool(isUnregistered, cond)
	default:
		return false
	}
}

// ConditionUsesField reports whether any node in the tree reads the field.
func ConditionUsesField(cond *models.RuleCondition, field models.ConditionField) bool {
	if cond == nil {
		return false
	}
	if cond.Field == field {
		return true
	}
	for _, child := range cond.Conditions {
		if ConditionUsesField(child, field) {
			return true
		}
	}
	return false
}

func compareString(value string, cond *models.RuleCondition) bool {
	if cond.Operator == models.OpMatches {
		re := cond.Regexp()
		if re == nil {
			return false
		}
		return re.MatchString(value)
	}

	switch cond.Operator {
	case models.OpEqual:
		return strings.EqualFold(value, cond.Value)
	case models.OpNotEqual:
		return !strings.EqualFold(value, cond.Value)
	case models.OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(cond.Value))
	case models.OpNotContains:
		return !strings.Contains(strings.ToLower(value), strings.ToLower(cond.Value))
	default:
		return false
	}
}

// compareTags evaluates against individual tags rather than the raw
// comma-joined string, so EQUAL means "has this exact tag".
func compareTags(tags string, cond *models.RuleCondition) bool {
	split := strings.Split(tags, ",")

	switch cond.Operator {
	case models.OpEqual:
		return torrentHasTag(tags, cond.Value)
	case models.OpNotEqual:
		return !torrentHasTag(tags, cond.Value)
	case models.OpContains:
		needle := strings.ToLower(cond.Value)
		for _, tag := range split {
			if strings.Contains(strings.ToLower(strings.TrimSpace(tag)), needle) {
				return true
			}
		}
		return false
	case models.OpNotContains:
		needle := strings.ToLower(cond.Value)
		for _, tag := range split {
			if strings.Contains(strings.ToLower(strings.TrimSpace(tag)), needle) {
				return false
			}
		}
		return true
	case models.OpMatches:
		re := cond.Regexp()
		if re == nil {
			return false
		}
		for _, tag := range split {
			if re.MatchString(strings.TrimSpace(tag)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compareTrackerDomains matches against every domain the torrent announces
// to, not just the primary tracker URL.
func compareTrackerDomains(torrent qbt.Torrent, cond *models.RuleCondition, ctx *EvalContext) bool {
	var domains []string
	if ctx != nil && ctx.TrackerDomainsByHash != nil {
		domains = ctx.TrackerDomainsByHash[torrent.Hash]
	}
	if len(domains) == 0 {
		domains = collectTrackerDomains(torrent, nil)
	}

	// Negative operators must hold for every domain.
	switch cond.Operator {
	case models.OpNotEqual, models.OpNotContains:
		for _, domain := range domains {
			if !compareString(domain, cond) {
				return false
			}
		}
		return true
	default:
		for _, domain := range domains {
			if compareString(domain, cond) {
				return true
			}
		}
		return false
	}
}

func compareInt64(value int64, cond *models.RuleCondition) bool {
	condValue, err := strconv.ParseInt(cond.Value, 10, 64)
	if err != nil && cond.Value != "" {
		return false
	}

	switch cond.Operator {
	case models.OpEqual:
		return value == condValue
	case models.OpNotEqual:
		return value != condValue
	case models.OpGreaterThan:
		return value > condValue
	case models.OpGreaterEqual:
		return value >= condValue
	case models.OpLessThan:
		return value < condValue
	case models.OpLessEqual:
		return value <= condValue
	case models.OpBetween:
		minValue, minErr := strconv.ParseInt(cond.MinValue, 10, 64)
		maxValue, maxErr := strconv.ParseInt(cond.MaxValue, 10, 64)
		if minErr != nil || maxErr != nil {
			return false
		}
		return value >= minValue && value <= maxValue
	default:
		return false
	}
}

func compareFloat64(value float64, cond *models.RuleCondition) bool {
	condValue, err := strconv.ParseFloat(cond.Value, 64)
	if err != nil && cond.Value != "" {
		return false
	}

	switch cond.Operator {
	case models.OpEqual:
		return value == condValue
	case models.OpNotEqual:
		return value != condValue
	case models.OpGreaterThan:
		return value > condValue
	case models.OpGreaterEqual:
		return value >= condValue
	case models.OpLessThan:
		return value < condValue
	case models.OpLessEqual:
		return value <= condValue
	case models.OpBetween:
		minValue, minErr := strconv.ParseFloat(cond.MinValue, 64)
		maxValue, maxErr := strconv.ParseFloat(cond.MaxValue, 64)
		if minErr != nil || maxErr != nil {
			return false
		}
		return value >= minValue && value <= maxValue
	default:
		return false
	}
}

func compareBool(value bool, cond *models.RuleCondition) bool {
	condValue := strings.EqualFold(cond.Value, "true") || cond.Value == "1" || cond.Value == ""

	switch cond.Operator {
	case models.OpEqual:
		return value == condValue
	case models.OpNotEqual:
		return value != condValue
	default:
		return false
	}
}
