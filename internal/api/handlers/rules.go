// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/services/rules"
)

const (
	defaultActivityLimit = 100
	maxActivityLimit     = 1000

	defaultPreviewLimit = 100
	maxPreviewLimit     = 1000
)

type RulesHandler struct {
	store         *models.RuleStore
	activityStore *models.RuleActivityStore
	service       *rules.Service
}

func NewRulesHandler(store *models.RuleStore, activityStore *models.RuleActivityStore, service *rules.Service) *RulesHandler {
	return &RulesHandler{
		store:         store,
		activityStore: activityStore,
		service:       service,
	}
}

type rulePayload struct {
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	ApplyToAll     bool     `json:"applyToAll"`
	TrackerPattern *string  `json:"trackerPattern"`
	TrackerDomains []string `json:"trackerDomains"`
	Categories     []string `json:"categories"`
	Tags           []string `json:"tags"`
	TagMatchMode   string   `json:"tagMatchMode"`

	UploadLimitKiB          *int64   `json:"uploadLimitKiB"`
	DownloadLimitKiB        *int64   `json:"downloadLimitKiB"`
	RatioLimit              *float64 `json:"ratioLimit"`
	SeedingTimeLimitMinutes *int64   `json:"seedingTimeLimitMinutes"`
	DeleteMode              *string  `json:"deleteMode"`
	DeleteUnregistered      bool     `json:"deleteUnregistered"`

	Conditions *models.ActionConditions `json:"conditions"`
}

func (p *rulePayload) toModel(instanceID, ruleID int) *models.Rule {
	return &models.Rule{
		ID:                      ruleID,
		InstanceID:              instanceID,
		Name:                    strings.TrimSpace(p.Name),
		Enabled:                 p.Enabled,
		ApplyToAll:              p.ApplyToAll,
		TrackerPattern:          cleanStringPtr(p.TrackerPattern),
		TrackerDomains:          cleanStringSlice(p.TrackerDomains),
		Categories:              cleanStringSlice(p.Categories),
		Tags:                    cleanStringSlice(p.Tags),
		TagMatchMode:            strings.TrimSpace(p.TagMatchMode),
		UploadLimitKiB:          p.UploadLimitKiB,
		DownloadLimitKiB:        p.DownloadLimitKiB,
		RatioLimit:              p.RatioLimit,
		SeedingTimeLimitMinutes: p.SeedingTimeLimitMinutes,
		DeleteMode:              cleanStringPtr(p.DeleteMode),
		DeleteUnregistered:      p.DeleteUnregistered,
		Conditions:              p.Conditions,
	}
}

func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	ruleList, err := h.store.ListByInstance(r.Context(), instanceID)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to list rules")
		RespondError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	RespondJSON(w, http.StatusOK, ruleList)
}

func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	var payload rulePayload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	rule := payload.toModel(instanceID, 0)
	if err := rule.Validate(); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.store.Create(r.Context(), rule)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to create rule")
		RespondError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	RespondJSON(w, http.StatusCreated, created)
}

func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}
	ruleID, err := parseRuleID(w, r)
	if err != nil {
		return
	}

	var payload rulePayload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	rule := payload.toModel(instanceID, ruleID)
	if err := rule.Validate(); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.store.Update(r.Context(), rule)
	if err != nil {
		if errors.Is(err, models.ErrRuleNotFound) {
			RespondError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Int("ruleID", ruleID).Msg("failed to update rule")
		RespondError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	RespondJSON(w, http.StatusOK, updated)
}

func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}
	ruleID, err := parseRuleID(w, r)
	if err != nil {
		return
	}

	if err := h.store.Delete(r.Context(), instanceID, ruleID); err != nil {
		if errors.Is(err, models.ErrRuleNotFound) {
			RespondError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Int("ruleID", ruleID).Msg("failed to delete rule")
		RespondError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

func (h *RulesHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	var payload struct {
		OrderedIDs []int `json:"orderedIds"`
	}
	if !DecodeJSON(w, r, &payload) {
		return
	}
	if len(payload.OrderedIDs) == 0 {
		RespondError(w, http.StatusBadRequest, "orderedIds is required")
		return
	}

	if err := h.store.Reorder(r.Context(), instanceID, payload.OrderedIDs); err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to reorder rules")
		RespondError(w, http.StatusInternalServerError, "Failed to reorder rules")
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

func (h *RulesHandler) ApplyNow(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	if err := h.service.ApplyOnceForInstance(r.Context(), instanceID); err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("manual rule apply failed")
		RespondError(w, http.StatusInternalServerError, "Failed to apply rules")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

func (h *RulesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	limit := parseLimitQuery(r, defaultPreviewLimit, maxPreviewLimit)

	result, err := h.service.PreviewForInstance(r.Context(), instanceID, limit)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("rule preview failed")
		RespondError(w, http.StatusInternalServerError, "Failed to preview rules")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *RulesHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	limit := parseLimitQuery(r, defaultActivityLimit, maxActivityLimit)

	activity, err := h.activityStore.ListByInstance(r.Context(), instanceID, limit)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to list rule activity")
		RespondError(w, http.StatusInternalServerError, "Failed to list activity")
		return
	}

	RespondJSON(w, http.StatusOK, activity)
}

// DeleteActivity removes activity records older than ?olderThanDays=. A
// value of zero or below clears all records for the instance.
func (h *RulesHandler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("olderThanDays")); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid olderThanDays value")
			return
		}
	}

	deleted, err := h.activityStore.DeleteOlderThan(r.Context(), instanceID, days)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to delete rule activity")
		RespondError(w, http.StatusInternalServerError, "Failed to delete activity")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
