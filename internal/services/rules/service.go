// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rules periodically applies per-instance automation rules to
// torrents: speed limits, pausing, tagging, and limit-based deletion with
// cross-seed awareness.
package rules

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

// Config controls how often rules are re-applied and how long to debounce
// repeats.
type Config struct {
	ScanInterval          time.Duration
	SkipWithin            time.Duration
	MaxBatchHashes        int
	ActivityRetentionDays int
	TrackerFetchWorkers   int64
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:          20 * time.Second,
		SkipWithin:            2 * time.Minute,
		MaxBatchHashes:        50, // matches qBittorrent's max_concurrent_http_announces default
		ActivityRetentionDays: 7,
		TrackerFetchWorkers:   8,
	}
}

// Service periodically applies automation rules to torrents for all active
// instances. Scans for the same instance never overlap; scans for different
// instances run concurrently.
type Service struct {
	cfg           Config
	instanceStore *models.InstanceStore
	ruleStore     *models.RuleStore
	activityStore *models.RuleActivityStore
	pool          *qbittorrent.ClientPool

	// lightweight memory of recent applications to avoid hammering qBittorrent
	lastApplied map[int]map[string]time.Time // instanceID -> hash -> timestamp
	lastDeleted map[int]map[string]time.Time // instanceID -> hash -> timestamp
	scanning    map[int]bool                 // instanceID -> scan in progress
	deleteLocks map[int]*sync.Mutex          // instanceID -> deletion serialization
	mu          sync.RWMutex
}

func NewService(cfg Config, instanceStore *models.InstanceStore, ruleStore *models.RuleStore, activityStore *models.RuleActivityStore, pool *qbittorrent.ClientPool) *Service {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.SkipWithin <= 0 {
		cfg.SkipWithin = def.SkipWithin
	}
	if cfg.MaxBatchHashes <= 0 {
		cfg.MaxBatchHashes = def.MaxBatchHashes
	}
	if cfg.ActivityRetentionDays <= 0 {
		cfg.ActivityRetentionDays = def.ActivityRetentionDays
	}
	if cfg.TrackerFetchWorkers <= 0 {
		cfg.TrackerFetchWorkers = def.TrackerFetchWorkers
	}
	return &Service{
		cfg:           cfg,
		instanceStore: instanceStore,
		ruleStore:     ruleStore,
		activityStore: activityStore,
		pool:          pool,
		lastApplied:   make(map[int]map[string]time.Time),
		lastDeleted:   make(map[int]map[string]time.Time),
		scanning:      make(map[int]bool),
		deleteLocks:   make(map[int]*sync.Mutex),
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.loop(ctx)
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
			s.applyAll(ctx)

			if time.Since(lastPrune) > time.Hour {
				s.pruneActivity(ctx)
				s.cleanupStaleEntries()
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
		log.Warn().Err(err).Msg("rules: failed to prune old activity")
	} else if pruned > 0 {
		log.Info().Int64("count", pruned).Msg("rules: pruned old activity entries")
	}
}

// cleanupStaleEntries drops debounce entries older than 10 minutes to keep
// the maps bounded.
func (s *Service) cleanupStaleEntries() {
	cutoff := time.Now().Add(-10 * time.Minute)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, instMap := range s.lastApplied {
		for hash, ts := range instMap {
			if ts.Before(cutoff) {
				delete(instMap, hash)
			}
		}
	}
	for _, instMap := range s.lastDeleted {
		for hash, ts := range instMap {
			if ts.Before(cutoff) {
				delete(instMap, hash)
			}
		}
	}
}

func (s *Service) applyAll(ctx context.Context) {
	if s == nil || s.pool == nil || s.ruleStore == nil || s.instanceStore == nil {
		return
	}

	instances, err := s.instanceStore.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("rules: failed to list instances")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, instance := range instances {
		g.Go(func() error {
			if err := s.applyForInstance(gctx, instance.ID); err != nil {
				log.Error().Err(err).Int("instanceID", instance.ID).Msg("rules: apply failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ApplyOnceForInstance allows manual triggering (API hook).
func (s *Service) ApplyOnceForInstance(ctx context.Context, instanceID int) error {
	return s.applyForInstance(ctx, instanceID)
}

// tryBeginScan reserves the per-instance scan slot; a false return means a
// scan is already running.
func (s *Service) tryBeginScan(instanceID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning[instanceID] {
		return false
	}
	s.scanning[instanceID] = true
	return true
}

func (s *Service) endScan(instanceID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scanning, instanceID)
}

func (s *Service) deleteLock(instanceID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.deleteLocks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		s.deleteLocks[instanceID] = lock
	}
	return lock
}

func (s *Service) applyForInstance(ctx context.Context, instanceID int) error {
	if !s.tryBeginScan(instanceID) {
		log.Debug().Int("instanceID", instanceID).Msg("rules: scan already in progress, skipping")
		return nil
	}
	defer s.endScan(instanceID)

	rules, err := s.ruleStore.ListByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	rules = filterValidRules(instanceID, rules)
	if len(rules) == 0 {
		return nil
	}

	client, err := s.pool.GetClient(ctx, instanceID)
	if err != nil {
		log.Warn().Err(err).Int("instanceID", instanceID).Msg("rules: instance unreachable, scan aborted")
		return err
	}

	// Single snapshot per scan; all evaluation runs against it.
	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		log.Warn().Err(err).Int("instanceID", instanceID).Msg("rules: unable to fetch torrents, scan aborted")
		return err
	}
	if len(torrents) == 0 {
		return nil
	}

	evalCtx := &EvalContext{}
	if rulesNeedTrackerHealth(rules) {
		evalCtx.UnregisteredSet, evalCtx.TrackerDomainsByHash = s.collectTrackerHealth(ctx, client, torrents)
	}

	now := time.Now()
	instLastApplied := s.instanceMap(s.lastApplied, instanceID)
	instLastDeleted := s.instanceMap(s.lastDeleted, instanceID)

	skipCheck := func(hash string) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if ts, ok := instLastApplied[hash]; ok && now.Sub(ts) < s.cfg.SkipWithin {
			return true
		}
		if ts, ok := instLastDeleted[hash]; ok && now.Sub(ts) < 5*time.Minute {
			return true
		}
		return false
	}

	states := processTorrents(torrents, rules, evalCtx, skipCheck)
	if len(states) == 0 {
		return nil
	}

	byHash := make(map[string]qbt.Torrent, len(torrents))
	for _, t := range torrents {
		byHash[t.Hash] = t
	}

	ctx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	s.executeSpeedLimits(ctx, client, instanceID, states, byHash)
	s.executePauses(ctx, client, instanceID, states)
	s.executeTagChanges(ctx, client, instanceID, states)
	s.executeDeletions(ctx, client, instanceID, states, byHash, instLastDeleted)

	s.mu.Lock()
	for hash := range states {
		instLastApplied[hash] = now
	}
	s.mu.Unlock()

	return nil
}

func (s *Service) instanceMap(m map[int]map[string]time.Time, instanceID int) map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m[instanceID] == nil {
		m[instanceID] = make(map[string]time.Time)
	}
	return m[instanceID]
}

func filterValidRules(instanceID int, rules []*models.Rule) []*models.Rule {
	valid := rules[:0]
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			log.Warn().Err(err).Int("instanceID", instanceID).Int("ruleID", rule.ID).Str("rule", rule.Name).Msg("rules: skipping invalid rule")
			continue
		}
		valid = append(valid, rule)
	}
	return valid
}

// rulesNeedTrackerHealth reports whether any rule needs per-torrent tracker
// data: the legacy unregistered trigger or an IS_UNREGISTERED condition.
func rulesNeedTrackerHealth(rules []*models.Rule) bool {
	for _, rule := range rules {
		if rule.DeleteUnregistered {
			return true
		}
		if c := rule.Conditions; c != nil {
			conds := []*models.RuleCondition{}
			if c.SpeedLimits != nil {
				conds = append(conds, c.SpeedLimits.Condition)
			}
			if c.Pause != nil {
				conds = append(conds, c.Pause.Condition)
			}
			if c.Delete != nil {
				conds = append(conds, c.Delete.Condition)
			}
			if c.Tag != nil {
				conds = append(conds, c.Tag.Condition)
			}
			for _, cond := range conds {
				if ConditionUsesField(cond, models.FieldUnregistered) {
					return true
				}
			}
		}
	}
	return false
}

// collectTrackerHealth fetches tracker lists for all torrents with bounded
// concurrency and classifies unregistered torrents by tracker message. A
// torrent counts as unregistered only when every working tracker reports it
// so.
func (s *Service) collectTrackerHealth(ctx context.Context, client *qbittorrent.Client, torrents []qbt.Torrent) (map[string]struct{}, map[string][]string) {
	sem := semaphore.NewWeighted(s.cfg.TrackerFetchWorkers)
	var (
		mu           sync.Mutex
		unregistered = make(map[string]struct{})
		domains      = make(map[string][]string)
		wg           sync.WaitGroup
	)

	for _, torrent := range torrents {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			trackers, err := client.GetTorrentTrackersCtx(ctx, torrent.Hash)
			if err != nil {
				log.Debug().Err(err).Str("hash", torrent.Hash).Msg("rules: failed to fetch trackers")
				return
			}

			isUnregistered := false
			sawRealTracker := false
			for _, tr := range trackers {
				if strings.HasPrefix(tr.Url, "**") {
					// DHT/PeX/LSD pseudo entries
					continue
				}
				sawRealTracker = true
				if tr.Status != qbt.TrackerStatusNotWorking {
					isUnregistered = false
					break
				}
				if qbittorrent.TrackerMessageMatchesUnregistered(tr.Message) {
					isUnregistered = true
				}
			}

			mu.Lock()
			if isUnregistered && sawRealTracker {
				unregistered[torrent.Hash] = struct{}{}
			}
			domains[torrent.Hash] = collectTrackerDomainsFromList(torrent, trackers)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return unregistered, domains
}

func collectTrackerDomainsFromList(t qbt.Torrent, trackers []qbt.TorrentTracker) []string {
	trackersByHash := map[string][]qbt.TorrentTracker{t.Hash: trackers}
	return collectTrackerDomains(t, trackersByHash)
}

// speedLimitBatches groups torrents by desired limit, skipping torrents the
// pass is about to delete and torrents already at the target limit.
func speedLimitBatches(states map[string]*torrentDesiredState, byHash map[string]qbt.Torrent) (upload, download map[int64][]string) {
	upload = make(map[int64][]string)
	download = make(map[int64][]string)

	for hash, state := range states {
		if state.shouldDelete {
			continue
		}
		torrent := byHash[hash]
		if state.uploadLimitKiB != nil && torrent.UpLimit != *state.uploadLimitKiB*1024 {
			upload[*state.uploadLimitKiB] = append(upload[*state.uploadLimitKiB], hash)
		}
		if state.downloadLimitKiB != nil && torrent.DlLimit != *state.downloadLimitKiB*1024 {
			download[*state.downloadLimitKiB] = append(download[*state.downloadLimitKiB], hash)
		}
	}
	return upload, download
}

func (s *Service) executeSpeedLimits(ctx context.Context, client *qbittorrent.Client, instanceID int, states map[string]*torrentDesiredState, byHash map[string]qbt.Torrent) {
	uploadBatches, downloadBatches := speedLimitBatches(states, byHash)

	apply := func(direction string, limitKiB int64, hashes []string, fn func(context.Context, []string, int64) error) {
		for _, batch := range limitHashBatch(hashes, s.cfg.MaxBatchHashes) {
			if err := fn(ctx, batch, limitKiB*1024); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Str("direction", direction).Int64("limitKiB", limitKiB).Int("count", len(batch)).Msg("rules: speed limit failed")
				s.recordLimitFailure(ctx, instanceID, states, batch, direction, limitKiB, err)
			}
		}
	}

	for limit, hashes := range uploadBatches {
		apply("upload", limit, hashes, client.SetTorrentUploadLimitCtx)
	}
	for limit, hashes := range downloadBatches {
		apply("download", limit, hashes, client.SetTorrentDownloadLimitCtx)
	}
}

func (s *Service) recordLimitFailure(ctx context.Context, instanceID int, states map[string]*torrentDesiredState, hashes []string, direction string, limitKiB int64, cause error) {
	if s.activityStore == nil {
		return
	}
	for _, hash := range hashes {
		state := states[hash]
		if state == nil {
			continue
		}
		detailsJSON, _ := json.Marshal(map[string]any{"type": direction, "limitKiB": limitKiB})
		s.recordActivity(ctx, &models.RuleActivity{
			InstanceID:    instanceID,
			TorrentHash:   hash,
			TorrentName:   state.name,
			TrackerDomain: primaryDomain(state.trackerDomains),
			Action:        models.ActivityActionLimitFailed,
			Outcome:       models.ActivityOutcomeFailed,
			Reason:        direction + " limit failed: " + cause.Error(),
			Details:       detailsJSON,
		})
	}
}

func (s *Service) executePauses(ctx context.Context, client *qbittorrent.Client, instanceID int, states map[string]*torrentDesiredState) {
	var hashes []string
	for hash, state := range states {
		if state.shouldPause && !state.shouldDelete {
			hashes = append(hashes, hash)
		}
	}
	if len(hashes) == 0 {
		return
	}
	slices.Sort(hashes)

	for _, batch := range limitHashBatch(hashes, s.cfg.MaxBatchHashes) {
		if err := client.PauseCtx(ctx, batch); err != nil {
			log.Warn().Err(err).Int("instanceID", instanceID).Int("count", len(batch)).Msg("rules: pause failed")
			s.recordLimitFailure(ctx, instanceID, states, batch, "pause", 0, err)
		}
	}
}

func (s *Service) executeTagChanges(ctx context.Context, client *qbittorrent.Client, instanceID int, states map[string]*torrentDesiredState) {
	// Group by identical change set so torrents sharing changes batch into
	// one API call per direction.
	type tagPlan struct {
		added   []string
		removed []string
		hashes  []string
	}
	plans := make(map[string]*tagPlan)

	for hash, state := range states {
		if state.shouldDelete {
			continue
		}
		added, removed := state.tagChanges()
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		key := strings.Join(added, ",") + "|" + strings.Join(removed, ",")
		plan, ok := plans[key]
		if !ok {
			plan = &tagPlan{added: added, removed: removed}
			plans[key] = plan
		}
		plan.hashes = append(plan.hashes, hash)
	}

	for _, plan := range plans {
		slices.Sort(plan.hashes)
		for _, batch := range limitHashBatch(plan.hashes, s.cfg.MaxBatchHashes) {
			var execErr error
			if len(plan.added) > 0 {
				if err := client.AddTagsCtx(ctx, batch, strings.Join(plan.added, ",")); err != nil {
					execErr = err
				}
			}
			if len(plan.removed) > 0 {
				if err := client.RemoveTagsCtx(ctx, batch, strings.Join(plan.removed, ",")); err != nil && execErr == nil {
					execErr = err
				}
			}

			outcome := models.ActivityOutcomeSuccess
			reason := describeTagChanges(plan.added, plan.removed)
			if execErr != nil {
				outcome = models.ActivityOutcomeFailed
				reason = execErr.Error()
				log.Warn().Err(execErr).Int("instanceID", instanceID).Int("count", len(batch)).Msg("rules: tag update failed")
			}

			for _, hash := range batch {
				state := states[hash]
				if state == nil {
					continue
				}
				detailsJSON, _ := json.Marshal(tagChangeDetails(state, plan.added, plan.removed))
				s.recordActivity(ctx, &models.RuleActivity{
					InstanceID:    instanceID,
					TorrentHash:   hash,
					TorrentName:   state.name,
					TrackerDomain: primaryDomain(state.trackerDomains),
					Action:        models.ActivityActionTagsChanged,
					Outcome:       outcome,
					Reason:        reason,
					Details:       detailsJSON,
				})
			}
		}
	}
}

// executeDeletions removes torrents queued for deletion. Deletions for an
// instance are serialized, and the preserve-cross-seeds decision is re-made
// against a fresh torrent list under that lock so a cross-seed added after
// the scan snapshot still keeps the files.
func (s *Service) executeDeletions(ctx context.Context, client *qbittorrent.Client, instanceID int, states map[string]*torrentDesiredState, byHash map[string]qbt.Torrent, instLastDeleted map[string]time.Time) {
	var pending []*torrentDesiredState
	needsRecheck := false
	for _, state := range states {
		if !state.shouldDelete {
			continue
		}
		pending = append(pending, state)
		if state.deleteMode == models.DeleteModePreserveCrossSeeds || state.deleteMode == models.DeleteModeIncludeCrossSeeds {
			needsRecheck = true
		}
	}
	if len(pending) == 0 {
		return
	}
	slices.SortFunc(pending, func(a, b *torrentDesiredState) int {
		return strings.Compare(a.hash, b.hash)
	})

	lock := s.deleteLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	// Re-fetch under the lock when any deletion depends on content overlap.
	liveTorrents := make([]qbt.Torrent, 0, len(byHash))
	for _, t := range byHash {
		liveTorrents = append(liveTorrents, t)
	}
	if needsRecheck {
		fresh, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
		if err != nil {
			log.Warn().Err(err).Int("instanceID", instanceID).Msg("rules: cross-seed recheck fetch failed, keeping files for preserve-mode deletions")
			liveTorrents = nil
		} else {
			liveTorrents = fresh
		}
	}

	type deleteGroup struct {
		withFiles bool
		states    []*torrentDesiredState
		hashes    []string
	}
	groups := map[bool]*deleteGroup{
		false: {withFiles: false},
		true:  {withFiles: true},
	}

	now := time.Now()
	for _, state := range pending {
		torrent, ok := byHash[state.hash]
		if !ok {
			continue
		}

		withFiles, filesKept := resolveDeleteFiles(state.deleteMode, torrent, liveTorrents)
		if state.deleteMode == models.DeleteModePreserveCrossSeeds && liveTorrents == nil {
			// Recheck unavailable: keep files rather than risk shared data
			withFiles, filesKept = false, true
		}
		if state.deleteDetails == nil {
			state.deleteDetails = map[string]any{}
		}
		state.deleteDetails["filesKept"] = filesKept

		group := groups[withFiles]
		group.states = append(group.states, state)
		if withFiles && state.deleteMode == models.DeleteModeIncludeCrossSeeds {
			group.hashes = append(group.hashes, expandCrossSeedGroup(torrent, liveTorrents)...)
		} else {
			group.hashes = append(group.hashes, state.hash)
		}

		log.Info().
			Str("hash", state.hash).
			Str("name", state.name).
			Str("rule", state.deleteRuleName).
			Str("reason", state.deleteReason).
			Bool("filesKept", filesKept).
			Msg("rules: removing torrent")
	}

	for _, group := range groups {
		if len(group.hashes) == 0 {
			continue
		}
		for _, batch := range limitHashBatch(group.hashes, s.cfg.MaxBatchHashes) {
			err := client.DeleteTorrentsCtx(ctx, batch, group.withFiles)
			if err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Bool("withFiles", group.withFiles).Int("count", len(batch)).Msg("rules: delete failed")
			} else {
				s.mu.Lock()
				for _, hash := range batch {
					instLastDeleted[hash] = now
				}
				s.mu.Unlock()
			}

			batchSet := make(map[string]struct{}, len(batch))
			for _, hash := range batch {
				batchSet[hash] = struct{}{}
			}
			for _, state := range group.states {
				if _, ok := batchSet[state.hash]; !ok {
					continue
				}
				record := &models.RuleActivity{
					InstanceID:    instanceID,
					RuleID:        &state.deleteRuleID,
					RuleName:      state.deleteRuleName,
					TorrentHash:   state.hash,
					TorrentName:   state.name,
					TrackerDomain: primaryDomain(state.trackerDomains),
					Action:        state.deleteAction,
					Outcome:       models.ActivityOutcomeSuccess,
					Reason:        state.deleteReason,
				}
				if err != nil {
					record.Action = models.ActivityActionDeleteFailed
					record.Outcome = models.ActivityOutcomeFailed
					record.Reason = err.Error()
				}
				record.Details, _ = json.Marshal(state.deleteDetails)
				s.recordActivity(ctx, record)
			}
		}
	}
}

func (s *Service) recordActivity(ctx context.Context, activity *models.RuleActivity) {
	if s.activityStore == nil {
		return
	}
	if err := s.activityStore.Create(ctx, activity); err != nil {
		log.Warn().Err(err).Int("instanceID", activity.InstanceID).Str("hash", activity.TorrentHash).Msg("rules: failed to record activity")
	}
}

func primaryDomain(domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	return domains[0]
}

func limitHashBatch(hashes []string, max int) [][]string {
	if max <= 0 || len(hashes) <= max {
		return [][]string{hashes}
	}
	var batches [][]string
	for len(hashes) > 0 {
		end := min(len(hashes), max)
		batches = append(batches, slices.Clone(hashes[:end]))
		hashes = hashes[end:]
	}
	return batches
}
