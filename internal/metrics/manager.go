// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

type Manager struct {
	registry        *prometheus.Registry
	engineCollector *EngineCollector
}

func NewManager(pool *qbittorrent.ClientPool, instanceStore *models.InstanceStore, ruleActivityStore *models.RuleActivityStore, reannounceActivityStore *models.ReannounceActivityStore) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineCollector := NewEngineCollector(pool, instanceStore, ruleActivityStore, reannounceActivityStore)
	registry.MustRegister(engineCollector)

	log.Info().Msg("metrics manager initialized")

	return &Manager{
		registry:        registry,
		engineCollector: engineCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
