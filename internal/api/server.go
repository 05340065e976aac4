// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/curator/internal/api/handlers"
	"github.com/autobrr/curator/internal/config"
	"github.com/autobrr/curator/internal/models"
	"github.com/autobrr/curator/internal/qbittorrent"
	"github.com/autobrr/curator/internal/services/reannounce"
	"github.com/autobrr/curator/internal/services/rules"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	instanceStore           *models.InstanceStore
	ruleStore               *models.RuleStore
	ruleActivityStore       *models.RuleActivityStore
	reannounceSettingsStore *models.ReannounceSettingsStore
	reannounceActivityStore *models.ReannounceActivityStore
	clientPool              *qbittorrent.ClientPool
	rulesService            *rules.Service
	reannounceService       *reannounce.Service
}

type Dependencies struct {
	Config                  *config.AppConfig
	Version                 string
	InstanceStore           *models.InstanceStore
	RuleStore               *models.RuleStore
	RuleActivityStore       *models.RuleActivityStore
	ReannounceSettingsStore *models.ReannounceSettingsStore
	ReannounceActivityStore *models.ReannounceActivityStore
	ClientPool              *qbittorrent.ClientPool
	RulesService            *rules.Service
	ReannounceService       *reannounce.Service
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:                  log.Logger.With().Str("module", "api").Logger(),
		config:                  deps.Config,
		version:                 deps.Version,
		instanceStore:           deps.InstanceStore,
		ruleStore:               deps.RuleStore,
		ruleActivityStore:       deps.RuleActivityStore,
		reannounceSettingsStore: deps.ReannounceSettingsStore,
		reannounceActivityStore: deps.ReannounceActivityStore,
		clientPool:              deps.ClientPool,
		rulesService:            deps.RulesService,
		reannounceService:       deps.ReannounceService,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msg("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting API server - Open: http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	instancesHandler := handlers.NewInstancesHandler(s.instanceStore, s.clientPool)
	rulesHandler := handlers.NewRulesHandler(s.ruleStore, s.ruleActivityStore, s.rulesService)
	reannounceHandler := handlers.NewReannounceHandler(s.reannounceSettingsStore, s.reannounceActivityStore)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Check)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instancesHandler.List)
			r.Post("/", instancesHandler.Create)

			r.Route("/{instanceID}", func(r chi.Router) {
				r.Put("/", instancesHandler.Update)
				r.Delete("/", instancesHandler.Delete)

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", rulesHandler.List)
					r.Post("/", rulesHandler.Create)
					r.Put("/reorder", rulesHandler.Reorder)
					r.Post("/apply", rulesHandler.ApplyNow)
					r.Post("/preview", rulesHandler.Preview)
					r.Get("/activity", rulesHandler.ListActivity)
					r.Delete("/activity", rulesHandler.DeleteActivity)
					r.Put("/{ruleID}", rulesHandler.Update)
					r.Delete("/{ruleID}", rulesHandler.Delete)
				})

				r.Route("/reannounce", func(r chi.Router) {
					r.Get("/settings", reannounceHandler.GetSettings)
					r.Put("/settings", reannounceHandler.UpdateSettings)
					r.Get("/activity", reannounceHandler.ListActivity)
					r.Delete("/activity", reannounceHandler.DeleteActivity)
				})
			})
		})
	})

	return r
}
