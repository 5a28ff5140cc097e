// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the WebSocket endpoints and drives server
// lifecycle, including the v2 shutdown handshake.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gamelink-ai/gamelink/pkg/config"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
	"github.com/gamelink-ai/gamelink/pkg/registry"
	"github.com/gamelink-ai/gamelink/pkg/ws"
)

// shutdownGrace is how long a v2 game gets to acknowledge the
// graceful shutdown request before shutdown/immediate is sent anyway.
const shutdownGrace = 5 * time.Second

// Server is the gateway's HTTP front: the v1 and v2 WebSocket routes
// plus health, metrics, and the config schema endpoint.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server

	// connCtx parents every connection read loop; cancelling it closes
	// all connections with 1001.
	connCtx     context.Context
	cancelConns context.CancelFunc

	mu       sync.Mutex
	draining bool
	ready    map[string]chan struct{}
}

// New creates a server over the registry.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Games connect from arbitrary local tooling; there is no
			// browser origin to defend.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connCtx:     connCtx,
		cancelConns: cancel,
		ready:       make(map[string]chan struct{}),
	}
	reg.SetOnShutdownReady(s.markReady)
	return s
}

// Routes builds the HTTP routing table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		s.serveWS(w, req, protocol.V1, "")
	})
	r.Get("/v2", func(w http.ResponseWriter, req *http.Request) {
		s.serveWS(w, req, protocol.V2, req.URL.Query().Get("game"))
	})
	r.Get("/v2/{game}", func(w http.ResponseWriter, req *http.Request) {
		s.serveWS(w, req, protocol.V2, chi.URLParam(req, "game"))
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/schema", s.handleSchema)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		s.logger.Info("Metrics endpoint enabled", "path", "/metrics")
	}
	return r
}

// Start runs the HTTP server until ctx is cancelled, then performs the
// graceful shutdown sequence.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Server.Addr(),
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.logger.Info("Server starting", "address", s.cfg.Server.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown drains connected games and stops the HTTP server. v2 games
// get the graceful handshake; everything remaining is closed with
// 1001.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	s.logger.Info("Server shutting down")
	s.drainGames()
	s.cancelConns()

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// drainGames runs the v2 shutdown handshake: ask every connected v2
// game to wrap up, wait for shutdown/ready (or the grace period), then
// order the exit.
func (s *Server) drainGames() {
	type draining struct {
		game  *registry.Game
		conn  registry.Connection
		ready chan struct{}
	}
	var drains []draining
	for _, game := range s.reg.Games() {
		conn := game.Connection()
		if conn == nil || !conn.IsConnected() || conn.Version() != protocol.V2 {
			continue
		}
		ch := make(chan struct{})
		s.mu.Lock()
		s.ready[game.Name()] = ch
		s.mu.Unlock()
		if err := conn.Send(protocol.ShutdownGraceful{Data: protocol.ShutdownGracefulData{WantsShutdown: true}}); err != nil {
			s.logger.Warn("Failed to request shutdown", "game", game.Name(), "error", err)
		}
		drains = append(drains, draining{game: game, conn: conn, ready: ch})
	}

	deadline := time.After(shutdownGrace)
	for _, d := range drains {
		select {
		case <-d.ready:
			s.logger.Info("Game ready for shutdown", "game", d.game.Name())
		case <-deadline:
			s.logger.Warn("Game did not acknowledge shutdown in time", "game", d.game.Name())
		}
		if err := d.conn.Send(protocol.ShutdownImmediate{}); err != nil {
			s.logger.Warn("Failed to send immediate shutdown", "game", d.game.Name(), "error", err)
		}
		d.conn.Close(protocol.CloseGoingAway, "Server shutting down")
	}
}

func (s *Server) markReady(game string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.ready[game]; ok {
		delete(s.ready, game)
		close(ch)
	}
}

// serveWS upgrades the request and runs the connection's read loop in
// the handler goroutine, as gorilla expects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, version protocol.Version, game string) {
	if version == protocol.V2 && game == "" {
		http.Error(w, "missing game name", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn := ws.New(socket, version, game, s.logger)
	s.logger.Info("Connection accepted", "conn", conn.ID(), "version", version, "game", game, "remote", r.RemoteAddr)
	s.reg.Attach(conn)
	conn.Run(s.connCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSchema serves the JSON Schema of the config file, for editor
// completion and the web tooling.
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "Gamelink Configuration Schema"
	schema.Description = "Configuration schema for the gamelink gateway"

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(schema); err != nil {
		s.logger.Error("Failed to encode schema", "error", err)
		http.Error(w, "failed to generate schema", http.StatusInternalServerError)
	}
}

// loggingMiddleware logs requests; WebSocket routes log separately on
// accept.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
