// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
)

type ReannounceHandler struct {
	settingsStore *models.ReannounceSettingsStore
	activityStore *models.ReannounceActivityStore
}

func NewReannounceHandler(settingsStore *models.ReannounceSettingsStore, activityStore *models.ReannounceActivityStore) *ReannounceHandler {
	return &ReannounceHandler{
		settingsStore: settingsStore,
		activityStore: activityStore,
	}
}

func (h *ReannounceHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	settings, err := h.settingsStore.Get(r.Context(), instanceID)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to load reannounce settings")
		RespondError(w, http.StatusInternalServerError, "Failed to load reannounce settings")
		return
	}

	RespondJSON(w, http.StatusOK, settings)
}

func (h *ReannounceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	var payload models.ReannounceSettings
	if !DecodeJSON(w, r, &payload) {
		return
	}
	payload.InstanceID = instanceID

	settings, err := h.settingsStore.Upsert(r.Context(), &payload)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to save reannounce settings")
		RespondError(w, http.StatusInternalServerError, "Failed to save reannounce settings")
		return
	}

	RespondJSON(w, http.StatusOK, settings)
}

func (h *ReannounceHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	limit := parseLimitQuery(r, defaultActivityLimit, maxActivityLimit)

	activity, err := h.activityStore.ListByInstance(r.Context(), instanceID, limit)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to list reannounce activity")
		RespondError(w, http.StatusInternalServerError, "Failed to list activity")
		return
	}

	RespondJSON(w, http.StatusOK, activity)
}

func (h *ReannounceHandler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
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
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to delete reannounce activity")
		RespondError(w, http.StatusInternalServerError, "Failed to delete activity")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
