// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

// EngineCollector exposes fleet and automation counters at scrape time.
type EngineCollector struct {
	pool                    *qbittorrent.ClientPool
	instanceStore           *models.InstanceStore
	ruleActivityStore       *models.RuleActivityStore
	reannounceActivityStore *models.ReannounceActivityStore

	instancesActiveDesc    *prometheus.Desc
	instancesConnectedDesc *prometheus.Desc
	ruleActivityDesc       *prometheus.Desc
	reannounceActivityDesc *prometheus.Desc
}

func NewEngineCollector(pool *qbittorrent.ClientPool, instanceStore *models.InstanceStore, ruleActivityStore *models.RuleActivityStore, reannounceActivityStore *models.ReannounceActivityStore) *EngineCollector {
	return &EngineCollector{
		pool:                    pool,
		instanceStore:           instanceStore,
		ruleActivityStore:       ruleActivityStore,
		reannounceActivityStore: reannounceActivityStore,

		instancesActiveDesc: prometheus.NewDesc(
			"curator_instances_active",
			"Number of active qBittorrent instances",
			nil,
			nil,
		),
		instancesConnectedDesc: prometheus.NewDesc(
			"curator_instances_connected",
			"Number of qBittorrent instances with a live client connection",
			nil,
			nil,
		),
		ruleActivityDesc: prometheus.NewDesc(
			"curator_rule_activity_total",
			"Automation activity records within the retention window by action and outcome",
			[]string{"action", "outcome"},
			nil,
		),
		reannounceActivityDesc: prometheus.NewDesc(
			"curator_reannounce_activity_total",
			"Reannounce activity records within the retention window by outcome",
			[]string{"outcome"},
			nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instancesActiveDesc
	ch <- c.instancesConnectedDesc
	ch <- c.ruleActivityDesc
	ch <- c.reannounceActivityDesc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.instanceStore != nil {
		if instances, err := c.instanceStore.ListActive(ctx); err != nil {
			log.Debug().Err(err).Msg("metrics: failed to list instances")
		} else {
			ch <- prometheus.MustNewConstMetric(c.instancesActiveDesc, prometheus.GaugeValue, float64(len(instances)))
		}
	}

	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(c.instancesConnectedDesc, prometheus.GaugeValue, float64(c.pool.ConnectedCount()))
	}

	if c.ruleActivityStore != nil {
		if counts, err := c.ruleActivityStore.CountByActionOutcome(ctx); err != nil {
			log.Debug().Err(err).Msg("metrics: failed to count rule activity")
		} else {
			for _, count := range counts {
				ch <- prometheus.MustNewConstMetric(c.ruleActivityDesc, prometheus.GaugeValue, float64(count.Count), count.Action, count.Outcome)
			}
		}
	}

	if c.reannounceActivityStore != nil {
		if counts, err := c.reannounceActivityStore.CountByOutcome(ctx); err != nil {
			log.Debug().Err(err).Msg("metrics: failed to count reannounce activity")
		} else {
			for outcome, count := range counts {
				ch <- prometheus.MustNewConstMetric(c.reannounceActivityDesc, prometheus.GaugeValue, float64(count), outcome)
			}
		}
	}
}
