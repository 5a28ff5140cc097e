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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamelink-ai/gamelink/pkg/config"
	"github.com/gamelink-ai/gamelink/pkg/llm"
	"github.com/gamelink-ai/gamelink/pkg/observability"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
	"github.com/gamelink-ai/gamelink/pkg/scheduler"
)

// Connection is the slice of a WebSocket connection a Game needs.
// *ws.Conn satisfies it.
type Connection interface {
	ID() string
	Version() protocol.Version
	IsConnected() bool
	Send(msg protocol.GatewayMessage) error
	Close(code int, reason string)
}

// pendingAction tracks an in-flight action instance. force is kept
// only on v1 connections, where a failed force is the gateway's to
// retry; v2 games own their retries.
type pendingAction struct {
	name  string
	force *protocol.ForceActionData
}

// Game holds everything the gateway knows about one game: the action
// table, in-flight actions, the conversation and its decider, and the
// scheduler that serializes all model work. A Game outlives its
// connections; reconnects under the same name reuse it.
//
// The action and pending maps are guarded by mu because the read loop
// and the scheduler worker both touch them. Everything that talks to
// the decider runs on the worker, except the connect and disconnect
// context lines, which the registry appends while the worker is down.
type Game struct {
	name    string
	cfg     *config.Config
	logger  *slog.Logger
	decider *llm.Decider
	sched   *scheduler.Scheduler

	mu      sync.Mutex
	conn    Connection
	version protocol.Version
	actions map[string]protocol.Action
	seen    map[string]bool
	pending map[string]pendingAction

	onShutdownReady func()
}

// NewGame creates a game over an initialized decider. The scheduler is
// not started until a connection is adopted.
func NewGame(name string, cfg *config.Config, decider *llm.Decider, logger *slog.Logger) *Game {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Game{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("game", name),
		decider: decider,
		actions: make(map[string]protocol.Action),
		seen:    make(map[string]bool),
		pending: make(map[string]pendingAction),
	}
	g.sched = scheduler.New(name, g, scheduler.Config{
		IdleTry:   cfg.Gateway.IdleTry(),
		IdleForce: cfg.Gateway.IdleForce(),
		AllowSay:  cfg.Gateway.AllowYapping,
	}, logger)
	if cfg.Gateway.SaySleep {
		decider.SetOnSay(func(text string) {
			g.sched.Enqueue(scheduler.SleepEvent{Duration: time.Duration(len(text)) * scheduler.SayPace})
		})
	}
	return g
}

func (g *Game) Name() string { return g.name }

// Scheduler exposes the game's scheduler, mainly for mute control and
// introspection.
func (g *Game) Scheduler() *scheduler.Scheduler { return g.sched }

// Decider exposes the game's decision flows and conversation log.
func (g *Game) Decider() *llm.Decider { return g.decider }

// Connection returns the current connection, possibly a dead one.
func (g *Game) Connection() Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

// Version returns the protocol version of the last adopted connection.
func (g *Game) Version() protocol.Version {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// SetOnShutdownReady registers the callback for the v2 shutdown/ready
// acknowledgement.
func (g *Game) SetOnShutdownReady(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onShutdownReady = fn
}

// HasActions reports whether any action is registered.
func (g *Game) HasActions() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.actions) > 0
}

// Actions returns a snapshot of the action table.
func (g *Game) Actions() map[string]protocol.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]protocol.Action, len(g.actions))
	for name, a := range g.actions {
		out[name] = a
	}
	return out
}

func (g *Game) isConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil && g.conn.IsConnected()
}

// adopt binds a connection. The registry resolves connection conflicts
// before calling this.
func (g *Game) adopt(conn Connection) {
	g.mu.Lock()
	g.conn = conn
	g.version = conn.Version()
	g.mu.Unlock()
}

// begin records the connected context line and starts the scheduler.
// Called once per (re)connect, before the worker runs.
func (g *Game) begin(ctx context.Context) {
	if err := g.decider.Context(ctx, systemLine("Connected. You are now playing "+g.name), llm.MessageFlags{}); err != nil {
		g.logger.Error("Failed to record connect", "error", err)
	}
	g.sched.Start()
}

// teardown stops the worker, records the disconnect, and clears the
// per-connection state. The conversation survives for the next
// connection.
func (g *Game) teardown() {
	g.sched.Stop()
	if err := g.decider.Context(context.Background(), systemLine("Disconnected from "+g.name+"."), llm.MessageFlags{}); err != nil {
		g.logger.Error("Failed to record disconnect", "error", err)
	}
	g.mu.Lock()
	g.actions = make(map[string]protocol.Action)
	g.seen = make(map[string]bool)
	g.pending = make(map[string]pendingAction)
	g.mu.Unlock()
}

// HandleMessage routes one decoded message. Runs on the connection's
// read loop; anything involving the model is enqueued, never executed
// inline.
func (g *Game) HandleMessage(ctx context.Context, msg protocol.GameMessage) {
	g.logger.Debug("Handling message", "command", msg.Command())
	switch m := msg.(type) {
	case protocol.Startup:
		// Registry-level; nothing to do per game.

	case protocol.Context:
		g.sendContext(gameLine(g.name, m.Data.Message), m.Data.Silent, false)

	case protocol.RegisterActions:
		g.registerActions(m.Data.Actions)

	case protocol.UnregisterActions:
		g.unregisterActions(m.Data.ActionNames)

	case protocol.ForceAction:
		force := m.Data
		g.sched.Enqueue(scheduler.ForceEvent{Force: &force})

	case protocol.ActionResult:
		g.processResult(ctx, m.Data)

	case protocol.Mute:
		g.sched.SetMuted(scheduler.MuteGame, true)

	case protocol.Unmute:
		g.sched.SetMuted(scheduler.MuteGame, false)

	case protocol.ShutdownReady:
		g.mu.Lock()
		fn := g.onShutdownReady
		g.mu.Unlock()
		if fn != nil {
			fn()
		}

	default:
		g.logger.Warn("Unhandled message", "command", msg.Command())
	}
}

// registerActions merges actions into the table. Name conflicts
// resolve per the configured policy; the default depends on the
// protocol version.
func (g *Game) registerActions(actions []protocol.Action) {
	g.mu.Lock()
	policy := g.cfg.Gateway.ActionPolicy(g.version)
	for _, action := range actions {
		if _, exists := g.actions[action.Name]; exists {
			g.logger.Warn("Action already registered", "action", action.Name, "policy", policy)
			if policy == config.PolicyDropIncoming {
				continue
			}
		}
		action.Schema = protocol.NormalizeSchema(action.Schema)
		g.actions[action.Name] = action
		if !g.seen[action.Name] {
			g.seen[action.Name] = true
			schemaJSON, _ := json.Marshal(action.Schema)
			g.logger.Info("New action", "action", action.Name, "description", action.Description, "schema", string(schemaJSON))
		}
	}
	names := make([]string, 0, len(g.actions))
	for name := range g.actions {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)
	g.logger.Info("Actions registered", "actions", names)
}

// unregisterActions drops actions; unknown names are ignored.
func (g *Game) unregisterActions(names []string) {
	g.mu.Lock()
	for _, name := range names {
		delete(g.actions, name)
	}
	g.mu.Unlock()
	g.logger.Info("Actions unregistered", "actions", names)
}

// sendContext enqueues a context line. Non-silent context also prompts
// the model to react.
func (g *Game) sendContext(text string, silent, ephemeral bool) {
	g.sched.Enqueue(scheduler.ContextEvent{Text: text, Silent: silent, Ephemeral: ephemeral})
	if !silent {
		g.sched.Enqueue(scheduler.TryActionEvent{})
	}
}

// executeAction dispatches a chosen action: context line first, then
// the wire message. A disconnect during generation discards the action
// instead of sending it.
func (g *Game) executeAction(ctx context.Context, act *llm.Act, force *protocol.ForceActionData) error {
	if act == nil {
		return nil
	}
	g.mu.Lock()
	_, registered := g.actions[act.Name]
	g.mu.Unlock()
	if !registered {
		g.logger.Error("Executing unregistered action", "action", act.Name)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload := "null"
	if act.Data != nil {
		payload = *act.Data
	}
	line := fmt.Sprintf("Executing action '%s' with {id: %q, data: %s}", act.Name, id[:5], payload)
	if err := g.decider.Context(ctx, systemLine(line), llm.MessageFlags{}); err != nil {
		return err
	}

	g.mu.Lock()
	conn := g.conn
	if conn == nil || !conn.IsConnected() {
		g.mu.Unlock()
		g.logger.Warn("Discarding action, game disconnected", "action", act.Name)
		return nil
	}
	if g.version != protocol.V1 {
		force = nil
	}
	g.pending[id] = pendingAction{name: act.Name, force: force}
	g.mu.Unlock()
	g.sched.NotifyAction()

	return conn.Send(protocol.ActionMessage{Data: protocol.ActionData{ID: id, Name: act.Name, Data: act.Data}})
}

// processResult resolves an in-flight action. Results for unknown ids
// are logged but still reach the context. Successful results and v1
// force outcomes stay silent; any other failure prompts the model to
// react. A failed v1 force is retried with the stored force.
func (g *Game) processResult(ctx context.Context, result protocol.ActionResultData) {
	g.mu.Lock()
	p, known := g.pending[result.ID]
	delete(g.pending, result.ID)
	g.mu.Unlock()
	if !known {
		g.logger.Warn("Received result for unknown action", "id", result.ID)
	}
	observability.GetMetrics().RecordActionResult(ctx, g.name, result.Success)

	outcome := "Performing"
	if !result.Success {
		outcome = "Failure"
	}
	message := result.Message
	if message == "" {
		message = "no message"
	}
	id := result.ID
	if len(id) > 5 {
		id = id[:5]
	}
	line := fmt.Sprintf("Result for action %s: %s (%s)", id, outcome, message)

	isForce := known && p.force != nil
	if isForce && !result.Success {
		g.logger.Warn("Forced action failed, retrying", "action", p.name)
		force := *p.force
		g.sched.Enqueue(scheduler.ForceEvent{Force: &force})
	}
	g.sendContext(systemLine(line), result.Success || isForce, false)
}

// HandleForce implements scheduler.Handler. A nil force (idle timer)
// picks among all registered actions.
func (g *Game) HandleForce(ctx context.Context, force *protocol.ForceActionData) error {
	actions := g.Actions()
	if len(actions) == 0 {
		g.logger.Error("No actions to choose from")
		return nil
	}
	if force == nil {
		act, err := g.decider.Action(ctx, actionList(actions))
		if err != nil {
			return err
		}
		return g.executeAction(ctx, act, nil)
	}
	act, err := g.decider.ForceAction(ctx, *force, actions)
	if err != nil {
		return err
	}
	return g.executeAction(ctx, act, force)
}

// HandleContext implements scheduler.Handler.
func (g *Game) HandleContext(ctx context.Context, ev scheduler.ContextEvent) error {
	return g.decider.Context(ctx, ev.Text, llm.MessageFlags{
		Ephemeral:  ev.Ephemeral,
		Persistent: ev.Persistent,
	})
}

// HandleTryAction implements scheduler.Handler.
func (g *Game) HandleTryAction(ctx context.Context) (bool, error) {
	if !g.isConnected() {
		return false, nil
	}
	act, err := g.decider.TryAction(ctx, actionList(g.Actions()), g.cfg.Gateway.AllowYapping)
	if err != nil || act == nil {
		return false, err
	}
	if err := g.executeAction(ctx, act, nil); err != nil {
		return false, err
	}
	return true, nil
}

// HandleSay implements scheduler.Handler.
func (g *Game) HandleSay(ctx context.Context, message string) (string, error) {
	return g.decider.Say(ctx, message)
}

// HandleClearContext implements scheduler.Handler. The log resets to
// the system prompt; a connected game gets its connected line back so
// the model keeps knowing what it is playing.
func (g *Game) HandleClearContext(ctx context.Context) error {
	if err := g.decider.Log().Reset(ctx); err != nil {
		return err
	}
	if g.isConnected() {
		return g.decider.Context(ctx, systemLine("Connected. You are now playing "+g.name), llm.MessageFlags{})
	}
	return nil
}

func actionList(actions map[string]protocol.Action) []protocol.Action {
	out := make([]protocol.Action, 0, len(actions))
	for _, a := range actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func systemLine(text string) string { return "[SYSTEM] " + text }

func gameLine(game, text string) string { return "[" + game + "] " + text }
