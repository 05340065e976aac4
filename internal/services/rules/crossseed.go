// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/pkg/pathcmp"
)

// normalizeContentPath standardizes a content path for comparison.
// Comparison is case-insensitive since qBittorrent instances on Windows
// and macOS commonly sit on case-insensitive filesystems.
func normalizeContentPath(p string) string {
	if p == "" {
		return ""
	}
	return strings.ToLower(pathcmp.NormalizePath(p))
}

// detectCrossSeeds reports whether any other torrent shares the target's
// normalized ContentPath, meaning they seed the same data files.
func detectCrossSeeds(target qbt.Torrent, allTorrents []qbt.Torrent) bool {
	targetPath := normalizeContentPath(target.ContentPath)
	if targetPath == "" {
		return false
	}
	for _, other := range allTorrents {
		if other.Hash == target.Hash {
			continue
		}
		if normalizeContentPath(other.ContentPath) == targetPath {
			return true
		}
	}
	return false
}

// resolveDeleteFiles maps a delete mode to the withFiles flag for the client
// call, downgrading preserve-cross-seeds deletions to keep files when the
// data is shared with another torrent. A torrent with an unknown ContentPath
// keeps its files: when overlap cannot be determined, keeping data is the
// safe choice.
func resolveDeleteFiles(mode string, target qbt.Torrent, allTorrents []qbt.Torrent) (withFiles bool, filesKept bool) {
	switch mode {
	case models.DeleteModeDelete, models.DeleteModeNone, "":
		return false, true
	case models.DeleteModePreserveCrossSeeds:
		if target.ContentPath == "" || detectCrossSeeds(target, allTorrents) {
			return false, true
		}
		return true, false
	default:
		// deleteWithFiles and deleteWithFilesIncludeCrossSeeds
		return true, false
	}
}

// expandCrossSeedGroup returns the hashes of all torrents sharing the
// target's content path, target included. Used by the include-cross-seeds
// delete mode.
func expandCrossSeedGroup(target qbt.Torrent, allTorrents []qbt.Torrent) []string {
	targetPath := normalizeContentPath(target.ContentPath)
	if targetPath == "" {
		return []string{target.Hash}
	}
	hashes := []string{target.Hash}
	for _, other := range allTorrents {
		if other.Hash == target.Hash {
			continue
		}
		if normalizeContentPath(other.ContentPath) == targetPath {
			hashes = append(hashes, other.Hash)
		}
	}
	return hashes
}
