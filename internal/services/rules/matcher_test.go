// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/curator/internal/models"
)

func strPtr(s string) *string {
	return &s
}

func TestMatchesTrackerScope(t *testing.T) {
	tests := []struct {
		name    string
		rule    *models.Rule
		domains []string
		want    bool
	}{
		{
			name:    "apply to all matches everything",
			rule:    &models.Rule{ApplyToAll: true},
			domains: nil,
			want:    true,
		},
		{
			name:    "wildcard pattern matches any domain",
			rule:    &models.Rule{TrackerPattern: strPtr("*")},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "no tokens matches nothing",
			rule:    &models.Rule{},
			domains: []string{"tracker.example.com"},
			want:    false,
		},
		{
			name:    "exact domain match",
			rule:    &models.Rule{TrackerDomains: []string{"tracker.example.com"}},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "exact match is case insensitive",
			rule:    &models.Rule{TrackerDomains: []string{"Tracker.Example.COM"}},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "dot prefix suffix match",
			rule:    &models.Rule{TrackerDomains: []string{".example.com"}},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "bare domain matches subdomain",
			rule:    &models.Rule{TrackerDomains: []string{"example.com"}},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "bare domain does not match unrelated suffix",
			rule:    &models.Rule{TrackerDomains: []string{"example.com"}},
			domains: []string{"notexample.com"},
			want:    false,
		},
		{
			name:    "glob match",
			rule:    &models.Rule{TrackerPattern: strPtr("tracker.*.com")},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "comma separated pattern second token matches",
			rule:    &models.Rule{TrackerPattern: strPtr("foo.com, tracker.example.com")},
			domains: []string{"tracker.example.com"},
			want:    true,
		},
		{
			name:    "pattern and domains combined",
			rule:    &models.Rule{TrackerDomains: []string{"foo.com"}, TrackerPattern: strPtr("bar.com")},
			domains: []string{"announce.bar.com"},
			want:    true,
		},
		{
			name:    "no domains collected matches nothing",
			rule:    &models.Rule{TrackerDomains: []string{"example.com"}},
			domains: nil,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesTrackerScope(tt.rule, tt.domains))
		})
	}
}

func TestRuleMatchesTorrent_Categories(t *testing.T) {
	rule := &models.Rule{
		ApplyToAll: true,
		Categories: []string{"tv", "movies"},
	}

	assert.True(t, ruleMatchesTorrent(rule, qbt.Torrent{Category: "tv"}, nil))
	assert.True(t, ruleMatchesTorrent(rule, qbt.Torrent{Category: "Movies"}, nil))
	assert.False(t, ruleMatchesTorrent(rule, qbt.Torrent{Category: "music"}, nil))
	assert.False(t, ruleMatchesTorrent(rule, qbt.Torrent{Category: ""}, nil))
}

func TestRuleMatchesTorrent_Tags(t *testing.T) {
	tests := []struct {
		name        string
		ruleTags    []string
		matchMode   string
		torrentTags string
		want        bool
	}{
		{
			name:        "any mode one tag present",
			ruleTags:    []string{"keep", "archive"},
			matchMode:   models.TagMatchModeAny,
			torrentTags: "archive, other",
			want:        true,
		},
		{
			name:        "any mode no tag present",
			ruleTags:    []string{"keep", "archive"},
			matchMode:   models.TagMatchModeAny,
			torrentTags: "other",
			want:        false,
		},
		{
			name:        "default mode behaves as any",
			ruleTags:    []string{"keep"},
			matchMode:   "",
			torrentTags: "keep",
			want:        true,
		},
		{
			name:        "all mode every tag present",
			ruleTags:    []string{"keep", "archive"},
			matchMode:   models.TagMatchModeAll,
			torrentTags: "archive, keep, other",
			want:        true,
		},
		{
			name:        "all mode one tag missing",
			ruleTags:    []string{"keep", "archive"},
			matchMode:   models.TagMatchModeAll,
			torrentTags: "archive",
			want:        false,
		},
		{
			name:        "tag comparison is case insensitive",
			ruleTags:    []string{"Keep"},
			matchMode:   models.TagMatchModeAny,
			torrentTags: "keep",
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &models.Rule{
				ApplyToAll:   true,
				Tags:         tt.ruleTags,
				TagMatchMode: tt.matchMode,
			}
			got := ruleMatchesTorrent(rule, qbt.Torrent{Tags: tt.torrentTags}, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectMatchingRules(t *testing.T) {
	rules := []*models.Rule{
		{ID: 1, Enabled: true, ApplyToAll: true, SortOrder: 0},
		{ID: 2, Enabled: false, ApplyToAll: true, SortOrder: 1},
		{ID: 3, Enabled: true, TrackerDomains: []string{"example.com"}, SortOrder: 2},
		{ID: 4, Enabled: true, ApplyToAll: true, Categories: []string{"tv"}, SortOrder: 3},
	}

	torrent := qbt.Torrent{Category: "tv"}
	matching := selectMatchingRules(torrent, rules, []string{"tracker.example.com"})

	require.Len(t, matching, 3)
	assert.Equal(t, 1, matching[0].ID)
	assert.Equal(t, 3, matching[1].ID)
	assert.Equal(t, 4, matching[2].ID)
}

func TestCollectTrackerDomains(t *testing.T) {
	torrent := qbt.Torrent{
		Hash:    "abc",
		Tracker: "https://announce.example.com:2710/announce?key=secret",
	}
	trackers := map[string][]qbt.TorrentTracker{
		"abc": {
			{Url: "https://backup.other.org/announce"},
			{Url: "https://announce.example.com:2710/announce?key=secret"},
		},
	}

	domains := collectTrackerDomains(torrent, trackers)
	assert.Equal(t, []string{"announce.example.com", "backup.other.org"}, domains)
}

func TestSanitizeTrackerHost(t *testing.T) {
	assert.Equal(t, "tracker.example.com", sanitizeTrackerHost("tracker.example.com:6969/announce"))
	assert.Equal(t, "", sanitizeTrackerHost("https://tracker.example.com/announce"))
	assert.Equal(t, "", sanitizeTrackerHost(""))
}
