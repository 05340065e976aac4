// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
)

var (
	ErrClientNotFound   = errors.New("qBittorrent client not found")
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("qBittorrent instance is disabled")
)

const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second

	defaultClientTimeout = 60 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// ClientPool manages qBittorrent client connections across instances,
// creating them lazily and recycling unhealthy ones with backoff.
type ClientPool struct {
	clients        map[int]*Client
	instanceStore  *models.InstanceStore
	mu             sync.RWMutex
	creationMu     sync.Mutex
	creationLocks  map[int]*sync.Mutex
	closed         bool
	healthTicker   *time.Ticker
	stopHealth     chan struct{}
	failureTracker map[int]*failureInfo
}

func NewClientPool(instanceStore *models.InstanceStore) *ClientPool {
	cp := &ClientPool{
		clients:        make(map[int]*Client),
		instanceStore:  instanceStore,
		creationLocks:  make(map[int]*sync.Mutex),
		healthTicker:   time.NewTicker(healthCheckInterval),
		stopHealth:     make(chan struct{}),
		failureTracker: make(map[int]*failureInfo),
	}

	go cp.healthCheckLoop()

	return cp
}

// getInstanceLock gets or creates a per-instance creation lock
func (cp *ClientPool) getInstanceLock(instanceID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[instanceID] = lock
	return lock
}

// GetClient returns a connected client for the instance, creating one if
// needed.
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (*Client, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	cp.mu.RUnlock()

	if exists {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("client healthcheck failed: %w", err)
		}
		return client, nil
	}

	return cp.createClient(ctx, instanceID)
}

func (cp *ClientPool) createClient(ctx context.Context, instanceID int) (*Client, error) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	cp.mu.RLock()
	inBackoff := cp.isInBackoffLocked(instanceID)
	cp.mu.RUnlock()

	if inBackoff {
		return nil, fmt.Errorf("instance %d is in backoff period, will retry later", instanceID)
	}

	// Another goroutine may have created the client while we waited.
	cp.mu.RLock()
	if client, exists := cp.clients[instanceID]; exists && client.IsHealthy() {
		cp.mu.RUnlock()
		return client, nil
	}
	cp.mu.RUnlock()

	instance, err := cp.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !instance.IsActive {
		return nil, ErrInstanceDisabled
	}

	password, err := cp.instanceStore.GetDecryptedPassword(instance)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
			Msg("Failed to decrypt password - likely due to sessionSecret change. Instance will be unavailable until the password is re-entered")
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	client, err := NewClient(ctx, instanceID, instance.Host, instance.Username, password, instance.TLSSkipVerify, defaultClientTimeout)
	if err != nil {
		cp.trackFailure(instanceID, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cp.mu.Lock()
	cp.clients[instanceID] = client
	cp.resetFailureTrackingLocked(instanceID)
	cp.mu.Unlock()

	return client, nil
}

// RemoveClient removes a client from the pool
func (cp *ClientPool) RemoveClient(instanceID int) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()

	cp.mu.Lock()
	delete(cp.clients, instanceID)
	cp.mu.Unlock()

	instanceLock.Unlock()

	cp.creationMu.Lock()
	delete(cp.creationLocks, instanceID)
	cp.creationMu.Unlock()

	log.Info().Int("instanceID", instanceID).Msg("Removed client from pool")
}

// ConnectedCount returns the number of currently healthy clients.
func (cp *ClientPool) ConnectedCount() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	count := 0
	for _, client := range cp.clients {
		if client.IsHealthy() {
			count++
		}
	}
	return count
}

func (cp *ClientPool) healthCheckLoop() {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

func (cp *ClientPool) performHealthChecks() {
	cp.mu.RLock()
	clients := make([]*Client, 0, len(cp.clients))
	for _, client := range cp.clients {
		clients = append(clients, client)
	}
	cp.mu.RUnlock()

	for _, client := range clients {
		instanceID := client.GetInstanceID()

		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		if cp.isInBackoff(instanceID) {
			continue
		}

		go func(client *Client, instanceID int) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Msg("Health check failed")
				cp.trackFailure(instanceID, err)
			} else {
				cp.ResetFailureTracking(instanceID)
			}
		}(client, instanceID)
	}
}

// Close closes all clients and releases resources
func (cp *ClientPool) Close() error {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil
	}

	cp.closed = true
	close(cp.stopHealth)
	cp.healthTicker.Stop()

	for id := range cp.clients {
		delete(cp.clients, id)
	}
	cp.failureTracker = make(map[int]*failureInfo)

	cp.mu.Unlock()

	log.Info().Msg("Client pool closed")
	return nil
}

func (cp *ClientPool) isInBackoff(instanceID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.isInBackoffLocked(instanceID)
}

func (cp *ClientPool) isInBackoffLocked(instanceID int) bool {
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// trackFailure records a failure and applies exponential backoff
func (cp *ClientPool) trackFailure(instanceID int, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[instanceID] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
}

func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking after a successful connection
// or an explicit user action.
func (cp *ClientPool) ResetFailureTracking(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetFailureTrackingLocked(instanceID)
}

func (cp *ClientPool) resetFailureTrackingLocked(instanceID int) {
	if _, exists := cp.failureTracker[instanceID]; exists {
		delete(cp.failureTracker, instanceID)
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}
}

func isBanError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}
