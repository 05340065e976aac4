// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/curator/internal/models"
)

func TestNormalizeContentPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/data/Movies/Some.Movie/", "/data/movies/some.movie"},
		{`C:\Downloads\Some.Movie`, "c:/downloads/some.movie"},
		{"/data/movies/some.movie", "/data/movies/some.movie"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeContentPath(tt.in))
	}
}

func TestDetectCrossSeeds(t *testing.T) {
	target := qbt.Torrent{Hash: "aaa", ContentPath: "/data/show/"}
	others := []qbt.Torrent{
		{Hash: "aaa", ContentPath: "/data/show/"}, // self, ignored
		{Hash: "bbb", ContentPath: "/data/other"},
	}

	assert.False(t, detectCrossSeeds(target, others))

	others = append(others, qbt.Torrent{Hash: "ccc", ContentPath: "/Data/Show"})
	assert.True(t, detectCrossSeeds(target, others))

	// Unknown content path never matches.
	assert.False(t, detectCrossSeeds(qbt.Torrent{Hash: "ddd"}, others))
}

func TestResolveDeleteFiles(t *testing.T) {
	shared := []qbt.Torrent{
		{Hash: "aaa", ContentPath: "/data/show"},
		{Hash: "bbb", ContentPath: "/data/show"},
	}
	solo := []qbt.Torrent{
		{Hash: "aaa", ContentPath: "/data/show"},
		{Hash: "bbb", ContentPath: "/data/other"},
	}

	tests := []struct {
		name          string
		mode          string
		target        qbt.Torrent
		all           []qbt.Torrent
		wantWithFiles bool
		wantFilesKept bool
	}{
		{
			name:          "plain delete keeps files",
			mode:          models.DeleteModeDelete,
			target:        solo[0],
			all:           solo,
			wantWithFiles: false,
			wantFilesKept: true,
		},
		{
			name:          "delete with files removes data",
			mode:          models.DeleteModeDeleteWithFiles,
			target:        solo[0],
			all:           solo,
			wantWithFiles: true,
			wantFilesKept: false,
		},
		{
			name:          "preserve mode keeps files when cross-seeded",
			mode:          models.DeleteModePreserveCrossSeeds,
			target:        shared[0],
			all:           shared,
			wantWithFiles: false,
			wantFilesKept: true,
		},
		{
			name:          "preserve mode removes files when not cross-seeded",
			mode:          models.DeleteModePreserveCrossSeeds,
			target:        solo[0],
			all:           solo,
			wantWithFiles: true,
			wantFilesKept: false,
		},
		{
			name:          "preserve mode keeps files when content path unknown",
			mode:          models.DeleteModePreserveCrossSeeds,
			target:        qbt.Torrent{Hash: "aaa"},
			all:           solo,
			wantWithFiles: false,
			wantFilesKept: true,
		},
		{
			name:          "include cross seeds removes data",
			mode:          models.DeleteModeIncludeCrossSeeds,
			target:        shared[0],
			all:           shared,
			wantWithFiles: true,
			wantFilesKept: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFiles, filesKept := resolveDeleteFiles(tt.mode, tt.target, tt.all)
			assert.Equal(t, tt.wantWithFiles, withFiles)
			assert.Equal(t, tt.wantFilesKept, filesKept)
		})
	}
}

func TestExpandCrossSeedGroup(t *testing.T) {
	all := []qbt.Torrent{
		{Hash: "aaa", ContentPath: "/data/show"},
		{Hash: "bbb", ContentPath: "/data/show/"},
		{Hash: "ccc", ContentPath: "/data/other"},
	}

	hashes := expandCrossSeedGroup(all[0], all)
	assert.Equal(t, []string{"aaa", "bbb"}, hashes)

	// Unknown path returns only the target.
	hashes = expandCrossSeedGroup(qbt.Torrent{Hash: "xxx"}, all)
	assert.Equal(t, []string{"xxx"}, hashes)
}
