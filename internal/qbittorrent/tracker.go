// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"net/url"
	"strings"
)

// ExtractDomainFromURL pulls the hostname out of a tracker announce URL,
// tolerating scheme-less values like "tracker.example.com/announce".
func ExtractDomainFromURL(urlStr string) string {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return ""
	}

	if u, err := url.Parse(urlStr); err == nil {
		if hostname := u.Hostname(); hostname != "" {
			return hostname
		}
	}

	if !strings.Contains(urlStr, "://") {
		if u, err := url.Parse("//" + urlStr); err == nil {
			if hostname := u.Hostname(); hostname != "" {
				return hostname
			}
		}
	}

	// Final fallback: take everything up to the first path separator and
	// strip any port.
	host := urlStr
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

var unregisteredPatterns = []string{
	"unregistered",
	"not registered",
	"torrent not found",
	"torrent does not exist",
	"infohash not found",
	"not authorized",
	"trumped",
	"nuked",
	"dead",
	"deleted",
	"complete season uploaded",
}

// TrackerMessageMatchesUnregistered reports whether a tracker status message
// indicates the torrent is no longer registered with the tracker. URLs inside
// the message are ignored so path segments don't false-positive.
func TrackerMessageMatchesUnregistered(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return false
	}

	msg = stripURLs(msg)

	for _, pattern := range unregisteredPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func stripURLs(msg string) string {
	var b strings.Builder
	for _, field := range strings.Fields(msg) {
		lower := strings.ToLower(field)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			continue
		}
		b.WriteString(field)
		b.WriteByte(' ')
	}
	return b.String()
}
