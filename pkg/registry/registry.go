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

// Package registry maps game names to their Game instances and routes
// connection traffic to them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gamelink-ai/gamelink/pkg/config"
	"github.com/gamelink-ai/gamelink/pkg/llm"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
	"github.com/gamelink-ai/gamelink/pkg/ws"
)

// Conn is the connection surface the registry subscribes to. *ws.Conn
// satisfies it.
type Conn interface {
	Connection
	GameName() string
	SetGameName(name string)
	OnConnect(fn func()) func()
	OnReceive(fn func(msg protocol.GameMessage)) func()
	OnDisconnect(fn func(ev ws.CloseEvent)) func()
}

// EngineFactory creates a fresh generation engine for a game. Engines
// are per-game so one game's KV state never bleeds into another's.
type EngineFactory func(game string) (llm.Engine, error)

// Registry is the process-wide game table. A single lock serializes
// connection lifecycle against message routing; per-game model work
// stays on the game's scheduler worker and never takes this lock.
type Registry struct {
	cfg       *config.Config
	newEngine EngineFactory
	logger    *slog.Logger

	mu    sync.Mutex
	games map[string]*Game
	conns map[string]Conn
	subs  map[string][]func()

	onShutdownReady func(game string)
}

// New creates an empty registry.
func New(cfg *config.Config, newEngine EngineFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		newEngine: newEngine,
		logger:    logger,
		games:     make(map[string]*Game),
		conns:     make(map[string]Conn),
		subs:      make(map[string][]func()),
	}
}

// SetOnShutdownReady registers the callback fired when a game
// acknowledges the graceful shutdown handshake. Must not call back
// into the registry.
func (r *Registry) SetOnShutdownReady(fn func(game string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onShutdownReady = fn
}

// Attach wires a new connection into the registry. For v2 the game is
// initiated as soon as the connection comes up; v1 waits for startup.
func (r *Registry) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	r.subs[conn.ID()] = []func(){
		conn.OnConnect(func() { r.connected(conn) }),
		conn.OnReceive(func(msg protocol.GameMessage) { r.route(conn, msg) }),
		conn.OnDisconnect(func(ev ws.CloseEvent) { r.detach(conn, ev) }),
	}
}

// Game returns the game registered under name, or nil.
func (r *Registry) Game(name string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.games[name]
}

// Games returns all games, sorted by name.
func (r *Registry) Games() []*Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Game, 0, len(r.games))
	for _, g := range r.games {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) connected(conn Conn) {
	if conn.Version() != protocol.V2 || conn.GameName() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initiateLocked(conn.GameName(), conn)
}

// route dispatches one inbound message. v1 games that skip startup
// after a reconnect get one imitated for them.
func (r *Registry) route(conn Conn, msg protocol.GameMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := msg.GameName()
	if name == "" {
		name = conn.GameName()
	}
	if name == "" {
		r.logger.Warn("Message without a game name", "command", msg.Command(), "conn", conn.ID())
		return
	}

	if msg.Command() == protocol.CmdStartup {
		r.initiateLocked(name, conn)
		return
	}

	game := r.games[name]
	if game == nil {
		r.logger.Warn("Game was not initialized, imitating a startup", "game", name)
		game = r.initiateLocked(name, conn)
		if game == nil {
			return
		}
	}
	if cur := game.Connection(); cur != nil && cur != Connection(conn) && cur.IsConnected() {
		r.logger.Error("Game is registered to a different active connection",
			"game", name, "command", msg.Command(), "current", cur.ID(), "from", conn.ID())
	}
	game.HandleMessage(context.Background(), msg)
}

// initiateLocked gets or creates the game and binds the connection,
// applying existing_connection_policy on conflicts. Returns nil when
// the incoming connection was rejected.
func (r *Registry) initiateLocked(name string, conn Conn) *Game {
	game := r.games[name]
	if game == nil {
		created, err := r.createGame(name)
		if err != nil {
			r.logger.Error("Failed to initialize game", "game", name, "error", err)
			r.dropLocked(conn)
			conn.Close(protocol.CloseInternalError, "Failed to initialize game")
			return nil
		}
		game = created
		r.games[name] = game
		r.logger.Info("Game created", "game", name)
	}

	if cur := game.Connection(); cur != nil && cur != Connection(conn) && cur.IsConnected() {
		policy := r.cfg.Gateway.ExistingConnectionPolicy
		r.logger.Warn("Game already has an active connection",
			"game", name, "current", cur.ID(), "incoming", conn.ID(), "policy", policy)
		if policy == config.PolicyDropIncoming {
			r.dropLocked(conn)
			conn.Close(protocol.CloseProtocolError, "Multiple connections are not allowed")
			return nil
		}
		// Drop the existing connection: unsubscribe first so its close
		// does not re-enter the registry, then tear the game down for
		// the incoming connection to repopulate.
		if old, ok := r.conns[cur.ID()]; ok {
			r.dropLocked(old)
		}
		game.teardown()
		cur.Close(protocol.CloseServiceRestart, "Changing connections")
	} else if cur == Connection(conn) {
		r.logger.Debug("Connection already bound", "game", name, "conn", conn.ID())
		return game
	}

	conn.SetGameName(name)
	game.adopt(conn)
	game.SetOnShutdownReady(func() {
		if fn := r.shutdownReadyFn(); fn != nil {
			fn(name)
		}
	})
	game.begin(context.Background())
	return game
}

func (r *Registry) shutdownReadyFn() func(game string) {
	// Callers hold r.mu; the field itself only changes under it too.
	return r.onShutdownReady
}

// detach runs on connection close: stop routing for the connection and
// tear the game down if this was its active connection.
func (r *Registry) detach(conn Conn, ev ws.CloseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(conn)

	name := conn.GameName()
	if name == "" {
		return
	}
	game := r.games[name]
	if game == nil || game.Connection() != Connection(conn) {
		return
	}
	r.logger.Info("Game disconnected", "game", name, "code", ev.Code, "reason", ev.Reason)
	game.teardown()
}

// dropLocked removes a connection and its subscriptions.
func (r *Registry) dropLocked(conn Conn) {
	for _, unsub := range r.subs[conn.ID()] {
		unsub()
	}
	delete(r.subs, conn.ID())
	delete(r.conns, conn.ID())
}

// createGame builds the model side of a game: engine, conversation
// log, decider.
func (r *Registry) createGame(name string) (*Game, error) {
	engine, err := r.newEngine(name)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := r.logger.With("game", name)

	logCfg := llm.LogConfig{
		Game:         name,
		TokenLimit:   r.cfg.LLM.TokenLimit,
		SystemPrompt: SystemPrompt(r.cfg),
	}
	if rules := r.cfg.LLM.Rules[name]; rules != "" {
		logger.Debug("Found custom rules")
		logCfg.Rules = gameLine(name, rules)
	}
	log := llm.NewLog(engine, llm.GenericTemplate{}, logCfg, logger)
	if err := log.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("init context: %w", err)
	}
	decider := llm.NewDecider(log, llm.DeciderConfig{
		Temperature:   r.cfg.LLM.Temperature,
		EnforceSchema: r.cfg.Gateway.SchemaEnforced(),
	}, logger)

	return NewGame(name, r.cfg, decider, logger), nil
}

const defaultSystemPrompt = `You are an expert gamer AI. Your main purpose is playing games. You perform in-game actions via sending JSON to a special software integration system.
You are goal-oriented but curious. You aim to keep your actions varied and entertaining.`

// SystemPrompt returns the configured system prompt, or the built-in
// persona with the speaking addendum when yapping is allowed.
func SystemPrompt(cfg *config.Config) string {
	if cfg.LLM.SystemPrompt != "" {
		return cfg.LLM.SystemPrompt
	}
	prompt := defaultSystemPrompt
	if cfg.Gateway.AllowYapping {
		prompt += "\nYou can choose to 'say' something, whether to communicate with the user running your software or just to think out loud."
		prompt += "\nRemember that your only means of interacting with the game is 'action'. In-game characters cannot hear you."
	}
	return prompt
}
