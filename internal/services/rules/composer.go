// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"fmt"
	"sort"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/curator/internal/models"
)

// torrentDesiredState tracks accumulated actions for a single torrent across
// all matching rules.
type torrentDesiredState struct {
	hash           string
	name           string
	trackerDomains []string

	// Speed limits (last rule wins, per direction)
	uploadLimitKiB   *int64
	downloadLimitKiB *int64

	// Pause (OR - any rule can trigger)
	shouldPause bool

	// Tags (accumulated, last action per tag wins)
	currentTags map[string]struct{}
	tagActions  map[string]string // tag -> "add" | "remove"
	tagTouches  map[string]int    // tag -> number of rules that set an action

	// Delete (first rule to trigger wins and stops further rules)
	shouldDelete   bool
	deleteMode     string
	deleteRuleID   int
	deleteRuleName string
	deleteAction   string // activity action constant
	deleteReason   string
	deleteDetails  map[string]any
}

// hasActions reports whether the state carries anything to execute.
func (s *torrentDesiredState) hasActions() bool {
	return s.uploadLimitKiB != nil ||
		s.downloadLimitKiB != nil ||
		s.shouldPause ||
		len(s.tagActions) > 0 ||
		s.shouldDelete
}

// tagChanges resolves pending tag actions against the torrent's current tags
// and returns the effective additions and removals, sorted.
func (s *torrentDesiredState) tagChanges() (added, removed []string) {
	for tag, action := range s.tagActions {
		_, has := s.currentTags[tag]
		switch {
		case action == "add" && !has:
			added = append(added, tag)
		case action == "remove" && has:
			removed = append(removed, tag)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// processTorrents evaluates every rule against every torrent in the snapshot
// and returns the per-torrent desired states, keyed by hash. Torrents with no
// resulting actions are omitted.
func processTorrents(
	torrents []qbt.Torrent,
	rules []*models.Rule,
	evalCtx *EvalContext,
	skipCheck func(hash string) bool,
) map[string]*torrentDesiredState {
	states := make(map[string]*torrentDesiredState)

	// Stable order: oldest first, then by hash
	sort.Slice(torrents, func(i, j int) bool {
		if torrents[i].AddedOn != torrents[j].AddedOn {
			return torrents[i].AddedOn < torrents[j].AddedOn
		}
		return torrents[i].Hash < torrents[j].Hash
	})

	for _, torrent := range torrents {
		if skipCheck != nil && skipCheck(torrent.Hash) {
			continue
		}

		var trackerDomains []string
		if evalCtx != nil && evalCtx.TrackerDomainsByHash != nil {
			trackerDomains = evalCtx.TrackerDomainsByHash[torrent.Hash]
		}
		if trackerDomains == nil {
			trackerDomains = collectTrackerDomains(torrent, nil)
		}

		matching := selectMatchingRules(torrent, rules, trackerDomains)
		if len(matching) == 0 {
			continue
		}

		state := &torrentDesiredState{
			hash:           torrent.Hash,
			name:           torrent.Name,
			trackerDomains: trackerDomains,
			currentTags:    parseTorrentTags(torrent.Tags),
			tagActions:     make(map[string]string),
			tagTouches:     make(map[string]int),
		}

		for _, rule := range matching {
			if state.shouldDelete {
				// Once delete is triggered, stop processing further rules
				break
			}
			if rule.IsExpression() {
				processExpressionRule(rule, torrent, state, evalCtx)
			} else {
				processLegacyRule(rule, torrent, state, evalCtx)
			}
		}

		if state.hasActions() {
			states[torrent.Hash] = state
		}
	}

	return states
}

// processLegacyRule applies a fixed-field rule: the delete triggers are OR'd
// and take precedence over speed limits.
func processLegacyRule(rule *models.Rule, torrent qbt.Torrent, state *torrentDesiredState, evalCtx *EvalContext) {
	if action, reason, details, ok := legacyDeleteTrigger(rule, torrent, evalCtx); ok {
		mode := strings.TrimSpace(*rule.DeleteMode)
		details["deleteMode"] = mode
		state.shouldDelete = true
		state.deleteMode = mode
		state.deleteRuleID = rule.ID
		state.deleteRuleName = rule.Name
		state.deleteAction = action
		state.deleteReason = reason
		state.deleteDetails = details
		return
	}

	if rule.UploadLimitKiB != nil {
		state.uploadLimitKiB = rule.UploadLimitKiB
	}
	if rule.DownloadLimitKiB != nil {
		state.downloadLimitKiB = rule.DownloadLimitKiB
	}
}

// legacyDeleteTrigger checks the rule's OR'd delete criteria. Ratio and
// seeding-time triggers only fire for completed torrents; the unregistered
// trigger fires regardless of progress.
func legacyDeleteTrigger(rule *models.Rule, torrent qbt.Torrent, evalCtx *EvalContext) (action, reason string, details map[string]any, ok bool) {
	if rule.DeleteMode == nil || *rule.DeleteMode == "" || *rule.DeleteMode == models.DeleteModeNone {
		return "", "", nil, false
	}

	hasRatioLimit := rule.RatioLimit != nil && *rule.RatioLimit > 0
	hasSeedingLimit := rule.SeedingTimeLimitMinutes != nil && *rule.SeedingTimeLimitMinutes > 0

	ratioMet := hasRatioLimit && torrent.Ratio >= *rule.RatioLimit
	seedingMet := hasSeedingLimit && torrent.SeedingTime >= *rule.SeedingTimeLimitMinutes*60

	// Ratio/seeding triggers only apply to completed torrents
	if torrent.Progress >= 1.0 && (ratioMet || seedingMet) {
		details = map[string]any{}
		if ratioMet {
			details["ratio"] = torrent.Ratio
			details["ratioLimit"] = *rule.RatioLimit
		}
		if seedingMet {
			details["seedingMinutes"] = torrent.SeedingTime / 60
			details["seedingLimitMinutes"] = *rule.SeedingTimeLimitMinutes
		}

		switch {
		case ratioMet && seedingMet:
			return models.ActivityActionDeletedRatio, "ratio and seeding time limits reached", details, true
		case ratioMet:
			return models.ActivityActionDeletedRatio, "ratio limit reached", details, true
		default:
			return models.ActivityActionDeletedSeeding, "seeding time limit reached", details, true
		}
	}

	if rule.DeleteUnregistered && evalCtx != nil && evalCtx.UnregisteredSet != nil {
		if _, unregistered := evalCtx.UnregisteredSet[torrent.Hash]; unregistered {
			return models.ActivityActionDeletedUnregistered, "unregistered", map[string]any{}, true
		}
	}

	return "", "", nil, false
}

// processExpressionRule applies a condition-based rule: each enabled
// sub-action is gated on its own condition.
func processExpressionRule(rule *models.Rule, torrent qbt.Torrent, state *torrentDesiredState, evalCtx *EvalContext) {
	conditions := rule.Conditions
	if conditions == nil {
		return
	}

	// Delete is checked first: once it fires nothing else from this rule
	// (or any later rule) applies to the torrent.
	if d := conditions.Delete; d != nil && d.Enabled {
		// A delete action must carry an explicit condition.
		if d.Condition != nil && EvaluateCondition(d.Condition, torrent, evalCtx, 0) {
			mode := strings.TrimSpace(d.Mode)
			if mode == "" {
				mode = models.DeleteModeDelete
			}
			state.shouldDelete = true
			state.deleteMode = mode
			state.deleteRuleID = rule.ID
			state.deleteRuleName = rule.Name
			state.deleteAction = models.ActivityActionDeletedCondition
			state.deleteReason = "condition matched"
			state.deleteDetails = map[string]any{"deleteMode": mode}
			return
		}
	}

	if sl := conditions.SpeedLimits; sl != nil && sl.Enabled {
		if sl.Condition == nil || EvaluateCondition(sl.Condition, torrent, evalCtx, 0) {
			if sl.UploadKiB != nil {
				state.uploadLimitKiB = sl.UploadKiB
			}
			if sl.DownloadKiB != nil {
				state.downloadLimitKiB = sl.DownloadKiB
			}
		}
	}

	if p := conditions.Pause; p != nil && p.Enabled {
		if p.Condition == nil || EvaluateCondition(p.Condition, torrent, evalCtx, 0) {
			// Only pause torrents that are not already paused/stopped
			if !torrentIsPaused(torrent.State) {
				state.shouldPause = true
			}
		}
	}

	if t := conditions.Tag; t != nil && t.Enabled && len(t.Tags) > 0 {
		// IS_UNREGISTERED needs tracker health data; without it the tag
		// action is skipped rather than treated as "registered".
		if ConditionUsesField(t.Condition, models.FieldUnregistered) &&
			(evalCtx == nil || evalCtx.UnregisteredSet == nil) {
			return
		}
		processTagAction(t, torrent, state, evalCtx)
	}
}

// processTagAction resolves a tag action against current tags and pending
// changes from earlier rules. In full mode the condition decides both
// directions: add when it holds, remove when it does not.
func processTagAction(tagAction *models.TagAction, torrent qbt.Torrent, state *torrentDesiredState, evalCtx *EvalContext) {
	mode := tagAction.Mode
	if mode == "" {
		mode = models.TagModeFull
	}

	matches := tagAction.Condition == nil ||
		EvaluateCondition(tagAction.Condition, torrent, evalCtx, 0)

	for _, tag := range tagAction.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		// Current state including pending changes from earlier rules
		_, hasTag := state.currentTags[tag]
		if pending, ok := state.tagActions[tag]; ok {
			hasTag = pending == "add"
		}

		if !hasTag && matches && (mode == models.TagModeFull || mode == models.TagModeAdd) {
			state.tagActions[tag] = "add"
			state.tagTouches[tag]++
		} else if hasTag && ((matches && mode == models.TagModeRemove) || (!matches && mode == models.TagModeFull)) {
			state.tagActions[tag] = "remove"
			state.tagTouches[tag]++
		}
	}
}

func torrentIsPaused(state qbt.TorrentState) bool {
	switch state {
	case qbt.TorrentStatePausedUp, qbt.TorrentStatePausedDl,
		qbt.TorrentStateStoppedUp, qbt.TorrentStateStoppedDl:
		return true
	}
	return false
}

func parseTorrentTags(tags string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			result[t] = struct{}{}
		}
	}
	return result
}

// tagChangeDetails builds the activity details payload for a tags_changed
// record: which tags were added/removed and how many rules touched each.
func tagChangeDetails(state *torrentDesiredState, added, removed []string) map[string]any {
	addedCounts := make(map[string]int, len(added))
	for _, tag := range added {
		addedCounts[tag] = state.tagTouches[tag]
	}
	removedCounts := make(map[string]int, len(removed))
	for _, tag := range removed {
		removedCounts[tag] = state.tagTouches[tag]
	}
	return map[string]any{
		"added":   addedCounts,
		"removed": removedCounts,
	}
}

func describeTagChanges(added, removed []string) string {
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("added %s", strings.Join(added, ", ")))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %s", strings.Join(removed, ", ")))
	}
	return strings.Join(parts, "; ")
}
