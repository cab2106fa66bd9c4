// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/taskstore"
	"github.com/pgedge/cambiador/pkg/types"
)

const readyMessage = "ready"

// Runner performs one detection run.
type Runner interface {
	Run(ctx context.Context, trigger string) (*types.RunReport, error)
}

// RunHistory looks up recorded runs.
type RunHistory interface {
	Get(runID string) (taskstore.Record, error)
}

type APIServer struct {
	cfg        *config.Config
	server     *http.Server
	runner     Runner
	runs       RunHistory
	listenAddr string
	useTLS     bool
}

// New builds the HTTP trigger surface. runs may be nil when run history is
// disabled.
func New(cfg *config.Config, runner Runner, runs RunHistory) (*APIServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is not loaded")
	}
	if runner == nil {
		return nil, fmt.Errorf("detection runner is required")
	}
	srvCfg := cfg.Server
	if srvCfg.ListenAddress == "" {
		srvCfg.ListenAddress = "0.0.0.0"
	}
	if srvCfg.ListenPort == 0 {
		return nil, fmt.Errorf("server.listen_port must be configured")
	}

	apiServer := &APIServer{
		cfg:        cfg,
		runner:     runner,
		runs:       runs,
		listenAddr: net.JoinHostPort(srvCfg.ListenAddress, fmt.Sprint(srvCfg.ListenPort)),
	}

	var tlsConfig *tls.Config
	if srvCfg.TLSCertFile != "" && srvCfg.TLSKeyFile != "" {
		tlsCert, err := tls.LoadX509KeyPair(srvCfg.TLSCertFile, srvCfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load server TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{tlsCert},
		}
		apiServer.useTLS = true
	}

	apiServer.server = &http.Server{
		Addr:              apiServer.listenAddr,
		Handler:           apiServer.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return apiServer, nil
}

// Handler returns the routed handler wrapped in request logging.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleReady)
	mux.HandleFunc("GET /healthz", s.handleReady)
	mux.HandleFunc("/api/v1/detect", s.handleDetect)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunStatus)
	return loggingMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context) error {
	if s == nil || s.server == nil {
		return fmt.Errorf("api server is not initialized")
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.useTLS {
			logger.Info("API server listening on https://%s", s.listenAddr)
			err = s.server.ListenAndServeTLS("", "")
		} else {
			logger.Info("API server listening on http://%s", s.listenAddr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown API server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("failed to write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("%s %s %d completed in %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
