// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reannounce monitors stalled torrents and retries tracker announces
// until the tracker reports healthy or the retry budget is exhausted.
package reannounce

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

// Config controls the background scan cadence and debounce behavior.
type Config struct {
	ScanInterval          time.Duration
	DebounceWindow        time.Duration
	ActivityRetentionDays int
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:          7 * time.Second,
		DebounceWindow:        2 * time.Minute,
		ActivityRetentionDays: 7,
	}
}

// settingsSource and activityLog are the store surfaces the scheduler
// needs; the models stores satisfy both.
type settingsSource interface {
	Get(ctx context.Context, instanceID int) (*models.ReannounceSettings, error)
}

type activityLog interface {
	Create(ctx context.Context, activity *models.ReannounceActivity) error
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

// trackerClient is the slice of the qBittorrent API the scheduler uses.
type trackerClient interface {
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetTorrentTrackersCtx(ctx context.Context, hash string) ([]qbt.TorrentTracker, error)
	ReAnnounceTorrentsCtx(ctx context.Context, hashes []string) error
}

// Service watches stalled torrents per instance and reannounces the
// unhealthy ones. Each torrent gets at most one job at a time; every attempt
// the job makes is recorded as one activity row.
type Service struct {
	cfg           Config
	instanceStore *models.InstanceStore
	settingsStore settingsSource
	activityStore activityLog

	jobs    map[int]map[string]*reannounceJob
	jobsMu  sync.Mutex
	baseCtx context.Context
	ctxMu   sync.RWMutex

	// injectable for tests
	now    func() time.Time
	runJob func(context.Context, int, string, string)
	spawn  func(func())
	client func(context.Context, int) (trackerClient, error)
}

type reannounceJob struct {
	lastRequested time.Time
	isRunning     bool
	lastCompleted time.Time
}

func NewService(cfg Config, instanceStore *models.InstanceStore, settingsStore *models.ReannounceSettingsStore, activityStore *models.ReannounceActivityStore, pool *qbittorrent.ClientPool) *Service {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.ActivityRetentionDays <= 0 {
		cfg.ActivityRetentionDays = def.ActivityRetentionDays
	}
	svc := &Service{
		cfg:           cfg,
		instanceStore: instanceStore,
		jobs:          make(map[int]map[string]*reannounceJob),
	}
	if settingsStore != nil {
		svc.settingsStore = settingsStore
	}
	if activityStore != nil {
		svc.activityStore = activityStore
	}
	svc.now = time.Now
	svc.runJob = svc.executeJob
	svc.spawn = func(fn func()) { go fn() }
	svc.client = func(ctx context.Context, instanceID int) (trackerClient, error) {
		if pool == nil {
			return nil, errors.New("no client pool configured")
		}
		return pool.GetClient(ctx, instanceID)
	}
	return svc
}

// Start launches the background monitoring loop.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.setBaseContext(ctx)
	go func() {
		s.scanInstances(ctx)
		s.loop(ctx)
	}()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.pruneActivity(ctx)
	lastPrune := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanInstances(ctx)

			if time.Since(lastPrune) > time.Hour {
				s.pruneActivity(ctx)
				lastPrune = time.Now()
			}
		}
	}
}

func (s *Service) pruneActivity(ctx context.Context) {
	if s.activityStore == nil {
		return
	}
	if pruned, err := s.activityStore.Prune(ctx, s.cfg.ActivityRetentionDays); err != nil {
		log.Warn().Err(err).Msg("reannounce: failed to prune old activity")
	} else if pruned > 0 {
		log.Info().Int64("count", pruned).Msg("reannounce: pruned old activity entries")
	}
}

func (s *Service) scanInstances(ctx context.Context) {
	if s == nil || s.instanceStore == nil {
		return
	}

	instances, err := s.instanceStore.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reannounce: failed to list instances")
		return
	}

	for _, instance := range instances {
		settings := s.getSettings(ctx, instance.ID)
		if settings == nil || !settings.Enabled {
			continue
		}
		s.scanInstance(ctx, instance.ID, settings)
	}
}

func (s *Service) scanInstance(ctx context.Context, instanceID int, settings *models.ReannounceSettings) {
	client, err := s.client(ctx, instanceID)
	if err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("reannounce: client unavailable for scan")
		return
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Filter: qbt.TorrentFilterStalled,
	})
	if err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("reannounce: failed to fetch torrents")
		return
	}

	for _, torrent := range torrents {
		if !s.torrentMeetsCriteria(torrent, settings) {
			continue
		}
		s.enqueue(instanceID, strings.ToUpper(torrent.Hash), torrent.Name)
	}
}

// enqueue registers a job for the torrent unless one is already running or
// completed within the debounce window. Aggressive mode shrinks the window
// to the retry interval so new attempts start sooner.
func (s *Service) enqueue(instanceID int, hash string, torrentName string) bool {
	if hash == "" {
		return false
	}

	baseCtx := s.baseContext()
	if baseCtx == nil {
		return false
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	instJobs, ok := s.jobs[instanceID]
	if !ok {
		instJobs = make(map[string]*reannounceJob)
		s.jobs[instanceID] = instJobs
	}
	job, exists := instJobs[hash]
	if !exists {
		job = &reannounceJob{}
		instJobs[hash] = job
	}
	now := s.currentTime()
	job.lastRequested = now
	if job.isRunning {
		return false
	}

	settings := s.getSettings(baseCtx, instanceID)
	debounceWindow := s.effectiveDebounceWindow(settings)
	if !job.lastCompleted.IsZero() && debounceWindow > 0 && now.Sub(job.lastCompleted) < debounceWindow {
		return false
	}

	job.isRunning = true

	runner := s.runJob
	if runner == nil {
		runner = s.executeJob
	}
	spawn := s.spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	spawn(func() {
		runner(baseCtx, instanceID, hash, torrentName)
	})
	return true
}

// effectiveDebounceWindow returns the cooldown between jobs for the same
// torrent. Aggressive mode uses the reannounce interval instead of the full
// debounce window.
func (s *Service) effectiveDebounceWindow(settings *models.ReannounceSettings) time.Duration {
	if settings != nil && settings.Aggressive {
		if interval := time.Duration(settings.ReannounceIntervalSeconds) * time.Second; interval > 0 {
			return interval
		}
	}
	return s.cfg.DebounceWindow
}

// executeJob runs the attempt loop for one torrent: up to 1+maxRetries
// announces, each followed by a health check after the retry interval.
// Every attempt writes exactly one activity row; the last row is succeeded,
// failed (budget exhausted), or skipped (torrent gone, settings disabled or
// rescoped mid-cycle, or scheduler stopped). Settings are re-read before
// each attempt so a mid-cycle disable stops the job instead of letting it
// run out its budget.
func (s *Service) executeJob(parentCtx context.Context, instanceID int, hash string, torrentName string) {
	defer s.finishJob(instanceID, hash)

	settings := s.getSettings(parentCtx, instanceID)
	if settings == nil {
		settings = models.DefaultReannounceSettings(instanceID)
	}

	interval := time.Duration(settings.ReannounceIntervalSeconds) * time.Second
	maxAttempts := settings.MaxRetries + 1

	timeout := 60 * time.Second
	if desired := time.Duration(maxAttempts)*interval + 30*time.Second; desired > timeout {
		timeout = desired
	}
	if timeout > 20*time.Minute {
		timeout = 20 * time.Minute
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	client, err := s.client(ctx, instanceID)
	if err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Str("hash", hash).Msg("reannounce: client unavailable")
		s.recordActivity(ctx, instanceID, hash, torrentName, "", models.ReannounceOutcomeFailed, fmt.Sprintf("client unavailable: %v", err))
		return
	}

	// Pre-check: nothing to do when the tracker is already healthy.
	trackerList, err := client.GetTorrentTrackersCtx(ctx, hash)
	if err != nil {
		s.recordActivity(ctx, instanceID, hash, torrentName, "", models.ReannounceOutcomeSkipped, "torrent no longer present")
		return
	}
	cls := classifyTrackers(trackerList)
	if len(cls.relevant) == 0 {
		s.recordActivity(ctx, instanceID, hash, torrentName, "", models.ReannounceOutcomeSkipped, "no real trackers")
		return
	}
	if len(cls.unhealthy) == 0 {
		if len(cls.updating) > 0 {
			s.recordActivity(ctx, instanceID, hash, torrentName, domainsFromTrackers(cls.updating), models.ReannounceOutcomeSkipped, "trackers updating")
		} else {
			s.recordActivity(ctx, instanceID, hash, torrentName, domainsFromTrackers(cls.healthy), models.ReannounceOutcomeSkipped, "tracker already healthy")
		}
		return
	}

	problemDomains := domainsFromTrackers(cls.unhealthy)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current := s.getSettings(ctx, instanceID)
		if current == nil || !current.Enabled {
			s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeSkipped, "reannounce disabled")
			return
		}
		if scopeChanged(settings, current) {
			torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
			if err != nil || len(torrents) == 0 {
				s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeSkipped, "torrent no longer present")
				return
			}
			if !torrentWithinScope(torrents[0], current) {
				s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeSkipped, "torrent no longer in scope")
				return
			}
			settings = current
		}

		if err := client.ReAnnounceTorrentsCtx(ctx, []string{hash}); err != nil {
			log.Debug().Err(err).Int("instanceID", instanceID).Str("hash", hash).Msg("reannounce: request failed")
			s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeFailed, fmt.Sprintf("reannounce failed: %v", err))
			return
		}

		// Give the tracker time to answer before re-checking.
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.recordActivity(context.WithoutCancel(ctx), instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeSkipped, "canceled")
			return
		case <-timer.C:
		}

		trackerList, err = client.GetTorrentTrackersCtx(ctx, hash)
		if err != nil {
			s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeSkipped, "torrent no longer present")
			return
		}

		cls = classifyTrackers(trackerList)
		if len(cls.unhealthy) == 0 && len(cls.updating) == 0 {
			s.recordActivity(ctx, instanceID, hash, torrentName, domainsFromTrackers(cls.healthy), models.ReannounceOutcomeSucceeded, "tracker healthy after reannounce")
			return
		}

		if d := domainsFromTrackers(cls.unhealthy); d != "" {
			problemDomains = d
		}

		reason := fmt.Sprintf("tracker still unhealthy (attempt %d/%d)", attempt, maxAttempts)
		if attempt == maxAttempts {
			reason = "max retries reached"
		}
		s.recordActivity(ctx, instanceID, hash, torrentName, problemDomains, models.ReannounceOutcomeFailed, reason)
	}
}

func (s *Service) finishJob(instanceID int, hash string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	instJobs, ok := s.jobs[instanceID]
	if !ok {
		return
	}
	if job, exists := instJobs[hash]; exists {
		job.isRunning = false
		now := s.currentTime()
		job.lastCompleted = now
		if job.lastRequested.IsZero() {
			job.lastRequested = now
		}
		if now.Sub(job.lastRequested) > s.cfg.DebounceWindow {
			delete(instJobs, hash)
		}
	}
	if len(instJobs) == 0 {
		delete(s.jobs, instanceID)
	}
}

func (s *Service) recordActivity(ctx context.Context, instanceID int, hash, torrentName, trackers, outcome, reason string) {
	log.Debug().
		Int("instanceID", instanceID).
		Str("hash", hash).
		Str("outcome", outcome).
		Str("reason", reason).
		Msg("reannounce: attempt outcome")

	if s.activityStore == nil {
		return
	}
	if err := s.activityStore.Create(ctx, &models.ReannounceActivity{
		InstanceID:  instanceID,
		TorrentHash: hash,
		TorrentName: torrentName,
		Trackers:    trackers,
		Outcome:     outcome,
		Reason:      reason,
	}); err != nil {
		log.Warn().Err(err).Int("instanceID", instanceID).Str("hash", hash).Msg("reannounce: failed to record activity")
	}
}

func (s *Service) setBaseContext(ctx context.Context) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.baseCtx = ctx
}

func (s *Service) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.baseCtx
}

func (s *Service) currentTime() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) getSettings(ctx context.Context, instanceID int) *models.ReannounceSettings {
	if s.settingsStore != nil {
		settings, err := s.settingsStore.Get(ctx, instanceID)
		if err == nil {
			return settings
		}
		log.Warn().Err(err).Int("instanceID", instanceID).Msg("reannounce: database error loading settings, using defaults")
	}
	return models.DefaultReannounceSettings(instanceID)
}

// torrentMeetsCriteria checks the monitoring scope and the initial wait.
func (s *Service) torrentMeetsCriteria(torrent qbt.Torrent, settings *models.ReannounceSettings) bool {
	if !torrentMatchesFilters(torrent, settings) {
		return false
	}
	// Torrent must be past its initial wait before the first attempt
	if settings.InitialWaitSeconds > 0 && torrent.TimeActive < int64(settings.InitialWaitSeconds) {
		return false
	}
	return true
}

// scopeChanged reports whether the monitoring scope differs between two
// settings snapshots. Retry pacing changes do not count; only the fields
// deciding which torrents are watched.
func scopeChanged(before, after *models.ReannounceSettings) bool {
	if before == nil || after == nil {
		return before != after
	}
	return before.MonitorAll != after.MonitorAll ||
		!slices.Equal(before.Categories, after.Categories) ||
		!slices.Equal(before.Tags, after.Tags) ||
		!slices.Equal(before.Trackers, after.Trackers)
}

// torrentMatchesFilters checks the monitoring scope without the initial
// wait: only stalled torrents, and unless monitorAll is set the torrent must
// match at least one configured category, tag, or tracker domain.
func torrentMatchesFilters(torrent qbt.Torrent, settings *models.ReannounceSettings) bool {
	if settings == nil || !settings.Enabled {
		return false
	}

	if torrent.State != qbt.TorrentStateStalledDl && torrent.State != qbt.TorrentStateStalledUp {
		return false
	}

	return torrentWithinScope(torrent, settings)
}

// torrentWithinScope checks only the category/tag/tracker scope. Running
// jobs use it for mid-cycle scope rechecks, where the torrent's state is in
// flux and must not be re-gated on stalled.
func torrentWithinScope(torrent qbt.Torrent, settings *models.ReannounceSettings) bool {
	if settings.MonitorAll {
		return true
	}

	hasScope := len(settings.Categories) > 0 || len(settings.Tags) > 0 || len(settings.Trackers) > 0
	if !hasScope {
		// Specific scope with nothing configured matches nothing
		return false
	}

	for _, category := range settings.Categories {
		if strings.EqualFold(category, torrent.Category) {
			return true
		}
	}

	if len(settings.Tags) > 0 {
		for _, tag := range splitTags(torrent.Tags) {
			for _, configured := range settings.Tags {
				if strings.EqualFold(configured, tag) {
					return true
				}
			}
		}
	}

	if len(settings.Trackers) > 0 {
		domain := qbittorrent.ExtractDomainFromURL(torrent.Tracker)
		for _, configured := range settings.Trackers {
			if strings.EqualFold(domain, configured) {
				return true
			}
		}
		for _, tracker := range torrent.Trackers {
			domain := qbittorrent.ExtractDomainFromURL(tracker.Url)
			for _, configured := range settings.Trackers {
				if strings.EqualFold(domain, configured) {
					return true
				}
			}
		}
	}

	return false
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type trackerClassification struct {
	relevant  []qbt.TorrentTracker
	healthy   []qbt.TorrentTracker
	updating  []qbt.TorrentTracker
	unhealthy []qbt.TorrentTracker
}

func classifyTrackers(trackers []qbt.TorrentTracker) trackerClassification {
	var out trackerClassification

	for _, tracker := range trackers {
		if tracker.Status == qbt.TrackerStatusDisabled {
			continue
		}
		if strings.HasPrefix(tracker.Url, "**") {
			// DHT/PeX/LSD pseudo entries
			continue
		}

		out.relevant = append(out.relevant, tracker)

		if trackerIsHealthy(tracker) {
			out.healthy = append(out.healthy, tracker)
			continue
		}
		if trackerIsUpdating(tracker) {
			out.updating = append(out.updating, tracker)
			continue
		}
		out.unhealthy = append(out.unhealthy, tracker)
	}

	return out
}

func trackerIsHealthy(tracker qbt.TorrentTracker) bool {
	if tracker.Status != qbt.TrackerStatusOK {
		return false
	}
	// Treat "OK but unregistered" as unhealthy.
	return !qbittorrent.TrackerMessageMatchesUnregistered(tracker.Message)
}

func trackerIsUpdating(tracker qbt.TorrentTracker) bool {
	switch tracker.Status {
	case qbt.TrackerStatusUpdating, qbt.TrackerStatusNotContacted:
		return true
	}
	return false
}

func domainsFromTrackers(trackers []qbt.TorrentTracker) string {
	if len(trackers) == 0 {
		return ""
	}
	domains := make([]string, 0, len(trackers))
	seen := make(map[string]struct{})
	for _, tracker := range trackers {
		domain := qbittorrent.ExtractDomainFromURL(tracker.Url)
		if domain == "" {
			continue
		}
		lower := strings.ToLower(domain)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		domains = append(domains, domain)
	}
	return strings.Join(domains, ", ")
}
