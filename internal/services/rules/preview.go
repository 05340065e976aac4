// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"context"
	"sort"

	qbt "github.com/autobrr/go-qbittorrent"
)

// PreviewAction describes what a scan would do to one torrent.
type PreviewAction struct {
	Hash             string   `json:"hash"`
	Name             string   `json:"name"`
	TrackerDomains   []string `json:"trackerDomains,omitempty"`
	UploadLimitKiB   *int64   `json:"uploadLimitKiB,omitempty"`
	DownloadLimitKiB *int64   `json:"downloadLimitKiB,omitempty"`
	Pause            bool     `json:"pause,omitempty"`
	TagsAdded        []string `json:"tagsAdded,omitempty"`
	TagsRemoved      []string `json:"tagsRemoved,omitempty"`
	Delete           bool     `json:"delete,omitempty"`
	DeleteMode       string   `json:"deleteMode,omitempty"`
	DeleteRuleName   string   `json:"deleteRuleName,omitempty"`
	DeleteReason     string   `json:"deleteReason,omitempty"`
	FilesKept        *bool    `json:"filesKept,omitempty"`
}

// PreviewResult summarizes a dry-run evaluation of the current rules against
// a fresh snapshot. Nothing is executed or recorded.
type PreviewResult struct {
	TotalMatches int             `json:"totalMatches"`
	Actions      []PreviewAction `json:"actions"`
}

// PreviewForInstance evaluates all rules against a fresh snapshot without
// executing anything. limit caps the number of example actions returned;
// TotalMatches always reflects the full count.
func (s *Service) PreviewForInstance(ctx context.Context, instanceID int, limit int) (*PreviewResult, error) {
	rules, err := s.ruleStore.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rules = filterValidRules(instanceID, rules)
	if len(rules) == 0 {
		return &PreviewResult{Actions: []PreviewAction{}}, nil
	}

	client, err := s.pool.GetClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, err
	}

	evalCtx := &EvalContext{}
	if rulesNeedTrackerHealth(rules) {
		evalCtx.UnregisteredSet, evalCtx.TrackerDomainsByHash = s.collectTrackerHealth(ctx, client, torrents)
	}

	// Preview ignores the debounce memory: it answers "what would the rules
	// do right now", not "what will the next scan do".
	states := processTorrents(torrents, rules, evalCtx, nil)

	byHash := make(map[string]qbt.Torrent, len(torrents))
	for _, t := range torrents {
		byHash[t.Hash] = t
	}

	result := &PreviewResult{
		TotalMatches: len(states),
		Actions:      make([]PreviewAction, 0, len(states)),
	}

	hashes := make([]string, 0, len(states))
	for hash := range states {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		if limit > 0 && len(result.Actions) >= limit {
			break
		}
		state := states[hash]
		added, removed := state.tagChanges()

		action := PreviewAction{
			Hash:             state.hash,
			Name:             state.name,
			TrackerDomains:   state.trackerDomains,
			UploadLimitKiB:   state.uploadLimitKiB,
			DownloadLimitKiB: state.downloadLimitKiB,
			Pause:            state.shouldPause,
			TagsAdded:        added,
			TagsRemoved:      removed,
		}
		if state.shouldDelete {
			action.Delete = true
			action.DeleteMode = state.deleteMode
			action.DeleteRuleName = state.deleteRuleName
			action.DeleteReason = state.deleteReason
			_, filesKept := resolveDeleteFiles(state.deleteMode, byHash[hash], torrents)
			action.FilesKept = &filesKept
		}
		result.Actions = append(result.Actions, action)
	}

	return result, nil
}
