// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent manages authenticated connections to the registered
// qBittorrent instances and exposes the torrent operations the automation
// engines need.
package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
)

const loginAttempts = 3

// Client wraps a qBittorrent API client for one instance.
type Client struct {
	*qbt.Client
	instanceID      int
	lastHealthCheck time.Time
	isHealthy       bool
	healthMu        sync.RWMutex
}

// NewClient connects and authenticates against a qBittorrent instance,
// retrying transient login failures.
func NewClient(ctx context.Context, instanceID int, host, username, password string, tlsSkipVerify bool, timeout time.Duration) (*Client, error) {
	cfg := qbt.Config{
		Host:          host,
		Username:      username,
		Password:      password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: tlsSkipVerify,
	}

	qbtClient := qbt.NewClient(cfg)

	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			return qbtClient.LoginCtx(loginCtx)
		},
		retry.Attempts(loginAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(loginCtx),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	client := &Client{
		Client:          qbtClient,
		instanceID:      instanceID,
		lastHealthCheck: time.Now(),
		isHealthy:       true,
	}

	log.Debug().
		Int("instanceID", instanceID).
		Str("host", host).
		Bool("tlsSkipVerify", tlsSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

// HealthCheck verifies the session is still valid. GetWebAPIVersion is cheap
// compared to a full login.
func (c *Client) HealthCheck(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil || strings.TrimSpace(version) == "" {
		c.updateHealthStatus(false)
		if err == nil {
			err = fmt.Errorf("web API version is empty")
		}
		return err
	}

	c.updateHealthStatus(true)
	return nil
}
