// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/agent-assist/config"
	"github.com/rapidaai/agent-assist/internal/bus"
	"github.com/rapidaai/agent-assist/internal/metrics"
	"github.com/rapidaai/agent-assist/internal/registry"
	"github.com/rapidaai/agent-assist/pkg/commons"
)

// Gateway terminates the telephony WebSocket at /v1/ingest, runs the
// per-connection protocol state machine, and publishes normalised audio
// frames onto the bus.
type Gateway struct {
	bus      bus.Bus
	registry registry.Registry
	metrics  *metrics.Metrics
	logger   commons.Logger
	auth     Authenticator
	upgrader websocket.Upgrader

	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
	wg       sync.WaitGroup
}

// NewGateway wires the gateway from config. The auth mode is fixed at boot.
func NewGateway(cfg *config.AppConfig, b bus.Bus, reg registry.Registry, m *metrics.Metrics, logger commons.Logger) (*Gateway, error) {
	auth, err := buildAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		bus:      b,
		registry: reg,
		metrics:  m,
		logger:   logger,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider is not a browser; origin checks are
			// meaningless here and auth gates the upgrade instead.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		idleTimeout: time.Duration(cfg.IngestIdleSeconds) * time.Second,
		sessions:    make(map[*session]struct{}),
	}, nil
}

func buildAuthenticator(cfg *config.AppConfig) (Authenticator, error) {
	switch cfg.IngestAuthMode {
	case "ip_allowlist":
		return NewIPAllowlist(cfg.IngestAllowedIPs), nil
	case "basic":
		return NewBasicAuth(cfg.IngestBasicUser, cfg.IngestBasicPass), nil
	case "bearer":
		return NewBearerAuth(cfg.JWTPublicKey)
	default:
		return nil, fmt.Errorf("unknown ingest auth mode %q", cfg.IngestAuthMode)
	}
}

// RegisterRoutes mounts the ingest endpoint on the engine.
func (g *Gateway) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/v1/ingest", g.handleIngest)
}

func (g *Gateway) handleIngest(c *gin.Context) {
	if err := g.auth.Authenticate(c.Request); err != nil {
		g.logger.Warnw("Ingest auth rejected", "remote", c.Request.RemoteAddr, "error", err.Error())
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warnw("WebSocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err.Error())
		return
	}

	s := newSession(conn, g.bus, g.registry, g.metrics, g.logger, g.idleTimeout)

	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	g.metrics.IngestConns.Inc()

	// Run the session inside the handler: the request context stays alive
	// for the whole hijacked connection and cancels on server shutdown.
	g.wg.Add(1)
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.sessions, s)
		g.mu.Unlock()
		g.metrics.IngestConns.Dec()
	}()
	s.run(c.Request.Context())
}

// ActiveConnections reports the number of open telephony connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown stops accepting new connections and drains live sessions: each
// streaming call is ended in the registry as if the provider sent stop.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	open := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		s.stopInternally()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
