// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
)

type InstancesHandler struct {
	store *models.InstanceStore
	pool  *qbittorrent.ClientPool
}

func NewInstancesHandler(store *models.InstanceStore, pool *qbittorrent.ClientPool) *InstancesHandler {
	return &InstancesHandler{
		store: store,
		pool:  pool,
	}
}

type instancePayload struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	TLSSkipVerify bool   `json:"tlsSkipVerify"`
	IsActive      *bool  `json:"isActive,omitempty"`
}

func (h *InstancesHandler) List(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	RespondJSON(w, http.StatusOK, instances)
}

func (h *InstancesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload instancePayload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	if strings.TrimSpace(payload.Name) == "" || strings.TrimSpace(payload.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}

	instance, err := h.store.Create(r.Context(), payload.Name, payload.Host, payload.Username, payload.Password, payload.TLSSkipVerify)
	if err != nil {
		log.Error().Err(err).Str("name", payload.Name).Msg("failed to create instance")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, instance)
}

func (h *InstancesHandler) Update(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	var payload instancePayload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	isActive := true
	if payload.IsActive != nil {
		isActive = *payload.IsActive
	}

	instance, err := h.store.Update(r.Context(), instanceID, payload.Name, payload.Host, payload.Username, payload.Password, payload.TLSSkipVerify, isActive)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to update instance")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Drop any cached client so the next use picks up new credentials.
	h.pool.RemoveClient(instanceID)

	RespondJSON(w, http.StatusOK, instance)
}

func (h *InstancesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	instanceID, err := parseInstanceID(w, r)
	if err != nil {
		return
	}

	if err := h.store.Delete(r.Context(), instanceID); err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to delete instance")
		RespondError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}

	h.pool.RemoveClient(instanceID)

	RespondJSON(w, http.StatusNoContent, nil)
}
