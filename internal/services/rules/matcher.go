// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"path"
	"regexp"
	"slices"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

// selectMatchingRules returns all enabled rules whose scope matches the
// torrent, in sort order. Disabled and structurally invalid rules are skipped.
func selectMatchingRules(torrent qbt.Torrent, rules []*models.Rule, trackerDomains []string) []*models.Rule {
	var matching []*models.Rule

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if ruleMatchesTorrent(rule, torrent, trackerDomains) {
			matching = append(matching, rule)
		}
	}

	return matching
}

// ruleMatchesTorrent checks the rule's tracker, category, and tag scope
// against the torrent.
func ruleMatchesTorrent(rule *models.Rule, torrent qbt.Torrent, trackerDomains []string) bool {
	if !matchesTrackerScope(rule, trackerDomains) {
		return false
	}

	// Check if torrent's category matches ANY of the rule's categories
	if len(rule.Categories) > 0 {
		matched := false
		for _, cat := range rule.Categories {
			if strings.EqualFold(torrent.Category, cat) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(rule.Tags) > 0 {
		if rule.TagMatchMode == models.TagMatchModeAll {
			// ALL: torrent must have every tag in the rule
			for _, tag := range rule.Tags {
				if !torrentHasTag(torrent.Tags, tag) {
					return false
				}
			}
		} else {
			// ANY (default): torrent must have at least one tag
			matched := false
			for _, tag := range rule.Tags {
				if torrentHasTag(torrent.Tags, tag) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	return true
}

func matchesTrackerScope(rule *models.Rule, domains []string) bool {
	if rule.ApplyToAll {
		return true
	}

	tokens := slices.Clone(rule.TrackerDomains)
	if rule.TrackerPattern != nil {
		tokens = append(tokens, models.SplitTrackerPattern(*rule.TrackerPattern)...)
	}
	if len(tokens) == 0 {
		return false
	}

	for _, token := range tokens {
		normalized := strings.ToLower(strings.TrimSpace(token))
		if normalized == "" {
			continue
		}
		if normalized == "*" {
			return true
		}
		isGlob := strings.ContainsAny(normalized, "*?")

		for _, domain := range domains {
			d := strings.ToLower(domain)
			if isGlob {
				ok, err := path.Match(normalized, d)
				if err != nil {
					log.Error().Err(err).Str("pattern", normalized).Msg("rules: invalid glob pattern")
					continue
				}
				if ok {
					return true
				}
			} else if d == normalized {
				return true
			} else if strings.HasPrefix(normalized, ".") && strings.HasSuffix(d, normalized) {
				return true
			} else if strings.HasSuffix(d, "."+normalized) {
				return true
			}
		}
	}

	return false
}

// collectTrackerDomains gathers every distinct tracker domain the torrent
// announces to, sorted for determinism.
func collectTrackerDomains(t qbt.Torrent, trackersByHash map[string][]qbt.TorrentTracker) []string {
	domainSet := make(map[string]struct{})

	if t.Tracker != "" {
		if domain := qbittorrent.ExtractDomainFromURL(t.Tracker); domain != "" {
			domainSet[domain] = struct{}{}
		}
	}

	for _, tr := range trackersByHash[t.Hash] {
		if tr.Url == "" {
			continue
		}
		if domain := qbittorrent.ExtractDomainFromURL(tr.Url); domain != "" {
			domainSet[domain] = struct{}{}
		}
	}

	if len(domainSet) == 0 && t.Tracker != "" {
		if domain := sanitizeTrackerHost(t.Tracker); domain != "" {
			domainSet[domain] = struct{}{}
		}
	}

	domains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	return domains
}

var hostCharStripper = regexp.MustCompile(`[^a-zA-Z0-9\.-]`)

func sanitizeTrackerHost(urlOrHost string) string {
	clean := strings.TrimSpace(urlOrHost)
	if clean == "" || strings.Contains(clean, "://") {
		return ""
	}
	clean = strings.Split(clean, "/")[0]
	clean = strings.Split(clean, ":")[0]
	return hostCharStripper.ReplaceAllString(clean, "")
}

func torrentHasTag(tags string, candidate string) bool {
	if tags == "" {
		return false
	}
	for _, tag := range strings.Split(tags, ",") {
		if strings.EqualFold(strings.TrimSpace(tag), candidate) {
			return true
		}
	}
	return false
}
