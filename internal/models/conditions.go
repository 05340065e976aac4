// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Delete modes shared by legacy and expression rules.
const (
	DeleteModeNone               = "none"
	DeleteModeDelete             = "delete"
	DeleteModeDeleteWithFiles    = "deleteWithFiles"
	DeleteModePreserveCrossSeeds = "deleteWithFilesPreserveCrossSeeds"
	DeleteModeIncludeCrossSeeds  = "deleteWithFilesIncludeCrossSeeds"
)

// ConditionsSchemaVersion is the current expression document version.
const ConditionsSchemaVersion = 1

const maxConditionDepth = 20

// Tag application modes.
const (
	TagModeFull   = "full"
	TagModeAdd    = "add"
	TagModeRemove = "remove"
)

// Tag match modes for rule scope.
const (
	TagMatchModeAny = "any"
	TagMatchModeAll = "all"
)

// ConditionField identifies a torrent snapshot field an expression leaf reads.
type ConditionField string

const (
	FieldName         ConditionField = "NAME"
	FieldCategory     ConditionField = "CATEGORY"
	FieldTags         ConditionField = "TAGS"
	FieldTracker      ConditionField = "TRACKER"
	FieldSize         ConditionField = "SIZE"
	FieldRatio        ConditionField = "RATIO"
	FieldSeedingTime  ConditionField = "SEEDING_TIME"
	FieldUnregistered ConditionField = "IS_UNREGISTERED"
)

// ConditionOperator is either a group combinator or a leaf comparison.
type ConditionOperator string

const (
	OpAnd          ConditionOperator = "AND"
	OpOr           ConditionOperator = "OR"
	OpEqual        ConditionOperator = "EQUAL"
	OpNotEqual     ConditionOperator = "NOT_EQUAL"
	OpContains     ConditionOperator = "CONTAINS"
	OpNotContains  ConditionOperator = "NOT_CONTAINS"
	OpMatches      ConditionOperator = "MATCHES"
	OpGreaterThan  ConditionOperator = "GREATER_THAN"
	OpGreaterEqual ConditionOperator = "GREATER_EQUAL"
	OpLessThan     ConditionOperator = "LESS_THAN"
	OpLessEqual    ConditionOperator = "LESS_EQUAL"
	OpBetween      ConditionOperator = "BETWEEN"
)

// RuleCondition is a boolean expression tree node. Group nodes carry an
// AND/OR operator and child Conditions; leaf nodes carry Field + Operator +
// Value (or MinValue/MaxValue for BETWEEN).
type RuleCondition struct {
	Field      ConditionField    `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator"`
	Value      string            `json:"value,omitempty"`
	MinValue   string            `json:"minValue,omitempty"`
	MaxValue   string            `json:"maxValue,omitempty"`
	Negate     bool              `json:"negate,omitempty"`
	Conditions []*RuleCondition  `json:"conditions,omitempty"`

	compiled *regexp.Regexp
}

// IsGroup reports whether the node is an AND/OR combinator.
func (c *RuleCondition) IsGroup() bool {
	return c != nil && (c.Operator == OpAnd || c.Operator == OpOr)
}

// CompileRegex compiles Value as a case-insensitive regex for MATCHES leaves.
// Compilation is cached on the node.
func (c *RuleCondition) CompileRegex() error {
	if c.compiled != nil {
		return nil
	}
	re, err := regexp.Compile("(?i)" + c.Value)
	if err != nil {
		return err
	}
	c.compiled = re
	return nil
}

// Regexp returns the compiled pattern, or nil if CompileRegex has not
// succeeded yet.
func (c *RuleCondition) Regexp() *regexp.Regexp {
	return c.compiled
}

// Validate checks structure and depth of the expression tree.
func (c *RuleCondition) Validate() error {
	return c.validate(0)
}

func (c *RuleCondition) validate(depth int) error {
	if c == nil {
		return errors.New("nil condition")
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", maxConditionDepth)
	}

	if c.IsGroup() {
		if len(c.Conditions) == 0 {
			return errors.New("condition group has no children")
		}
		for _, child := range c.Conditions {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Field == "" {
		return errors.New("condition leaf missing field")
	}
	switch c.Operator {
	case OpEqual, OpNotEqual, OpContains, OpNotContains, OpMatches,
		OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if c.Value == "" && c.Field != FieldCategory && c.Field != FieldTags {
			return fmt.Errorf("condition on %s missing value", c.Field)
		}
	case OpBetween:
		if c.MinValue == "" || c.MaxValue == "" {
			return errors.New("BETWEEN condition requires minValue and maxValue")
		}
	default:
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
	return nil
}

// SpeedLimitAction sets per-torrent transfer limits when its condition holds.
// A nil direction leaves that direction untouched.
type SpeedLimitAction struct {
	Enabled     bool           `json:"enabled"`
	UploadKiB   *int64         `json:"uploadKiB,omitempty"`
	DownloadKiB *int64         `json:"downloadKiB,omitempty"`
	Condition   *RuleCondition `json:"condition,omitempty"`
}

// PauseAction pauses the torrent when its condition holds.
type PauseAction struct {
	Enabled   bool           `json:"enabled"`
	Condition *RuleCondition `json:"condition,omitempty"`
}

// DeleteAction removes the torrent when its condition holds.
type DeleteAction struct {
	Enabled   bool           `json:"enabled"`
	Mode      string         `json:"mode"`
	Condition *RuleCondition `json:"condition,omitempty"`
}

// TagAction adjusts torrent tags when its condition holds.
type TagAction struct {
	Enabled   bool           `json:"enabled"`
	Tags      []string       `json:"tags"`
	Mode      string         `json:"mode"`
	Condition *RuleCondition `json:"condition,omitempty"`
}

// ActionConditions is the expression-variant action payload. Its presence on
// a rule (non-nil) is what makes the rule expression-based; SchemaVersion
// tags the document for forward compatibility.
type ActionConditions struct {
	SchemaVersion int               `json:"schemaVersion"`
	SpeedLimits   *SpeedLimitAction `json:"speedLimits,omitempty"`
	Pause         *PauseAction      `json:"pause,omitempty"`
	Delete        *DeleteAction     `json:"delete,omitempty"`
	Tag           *TagAction        `json:"tag,omitempty"`
}

// IsEmpty reports whether no sub-action is present.
func (a *ActionConditions) IsEmpty() bool {
	if a == nil {
		return true
	}
	return a.SpeedLimits == nil && a.Pause == nil && a.Delete == nil && a.Tag == nil
}

// Validate checks every enabled sub-action for structural soundness.
func (a *ActionConditions) Validate() error {
	if a.IsEmpty() {
		return errors.New("conditions must define at least one action")
	}

	if sl := a.SpeedLimits; sl != nil && sl.Enabled {
		if sl.UploadKiB == nil && sl.DownloadKiB == nil {
			return errors.New("speed limit action requires at least one direction")
		}
		if sl.Condition != nil {
			if err := sl.Condition.Validate(); err != nil {
				return fmt.Errorf("speedLimits condition: %w", err)
			}
		}
	}

	if p := a.Pause; p != nil && p.Enabled && p.Condition != nil {
		if err := p.Condition.Validate(); err != nil {
			return fmt.Errorf("pause condition: %w", err)
		}
	}

	if d := a.Delete; d != nil && d.Enabled {
		if !validDeleteMode(d.Mode) {
			return fmt.Errorf("unknown delete mode %q", d.Mode)
		}
		if d.Condition != nil {
			if err := d.Condition.Validate(); err != nil {
				return fmt.Errorf("delete condition: %w", err)
			}
		}
	}

	if t := a.Tag; t != nil && t.Enabled {
		switch t.Mode {
		case TagModeFull, TagModeAdd, TagModeRemove:
		default:
			return fmt.Errorf("unknown tag mode %q", t.Mode)
		}
		if t.Mode != TagModeFull && len(t.Tags) == 0 {
			return errors.New("tag action requires at least one tag")
		}
		if t.Condition != nil {
			if err := t.Condition.Validate(); err != nil {
				return fmt.Errorf("tag condition: %w", err)
			}
		}
	}

	return nil
}

func validDeleteMode(mode string) bool {
	switch strings.TrimSpace(mode) {
	case DeleteModeDelete, DeleteModeDeleteWithFiles, DeleteModePreserveCrossSeeds, DeleteModeIncludeCrossSeeds:
		return true
	}
	return false
}
