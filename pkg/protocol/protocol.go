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

// Package protocol defines the game <-> gateway wire protocol.
//
// Messages are compact JSON objects discriminated by a string "command"
// field. Two protocol versions exist: v1 carries the game name in every
// message (and opens with an explicit "startup"), v2 binds the game
// name at connection time and adds mute/unmute and the shutdown
// handshake.
package protocol

import "strings"

// Version identifies the protocol version a connection speaks.
type Version string

const (
	V1 Version = "1"
	V2 Version = "2"
)

// Valid reports whether v is a version this gateway supports.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// Game -> gateway commands.
const (
	CmdStartup           = "startup"
	CmdContext           = "context"
	CmdRegisterActions   = "actions/register"
	CmdUnregisterActions = "actions/unregister"
	CmdForceAction       = "actions/force"
	CmdActionResult      = "action/result"
	CmdMute              = "mute"
	CmdUnmute            = "unmute"
	CmdShutdownReady     = "shutdown/ready"
)

// Gateway -> game commands.
const (
	CmdAction            = "action"
	CmdReregisterAll     = "actions/reregister_all"
	CmdShutdownGraceful  = "shutdown/graceful"
	CmdShutdownImmediate = "shutdown/immediate"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001 // server shutdown
	CloseProtocolError  = 1002 // protocol or policy rejection
	CloseAbnormal       = 1006
	CloseInternalError  = 1011
	CloseServiceRestart = 1012 // replaced by a new connection
)

// Action is a named, schema-described operation a game exposes.
// The schema, when present, is kept verbatim as parsed JSON; object
// schemas get additionalProperties=false injected at registration.
type Action struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// GameMessage is any message received from a game.
type GameMessage interface {
	Command() string
	// GameName returns the game the message addresses, or "" when the
	// message does not carry one (all v2 messages).
	GameName() string
}

// GatewayMessage is any message the gateway sends to a game.
type GatewayMessage interface {
	Command() string
}

// Startup opens a v1 session and names the game.
type Startup struct {
	Game string `json:"game"`
}

func (Startup) Command() string    { return CmdStartup }
func (m Startup) GameName() string { return m.Game }

// ContextData carries a contextual update from the game.
type ContextData struct {
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
}

// Context mirrors a game event into the model's conversation.
type Context struct {
	Game string      `json:"game,omitempty"`
	Data ContextData `json:"data"`
}

func (Context) Command() string    { return CmdContext }
func (m Context) GameName() string { return m.Game }

// RegisterActionsData lists the actions to register.
type RegisterActionsData struct {
	Actions []Action `json:"actions"`
}

// RegisterActions adds actions to the game's action table.
type RegisterActions struct {
	Game string              `json:"game,omitempty"`
	Data RegisterActionsData `json:"data"`
}

func (RegisterActions) Command() string    { return CmdRegisterActions }
func (m RegisterActions) GameName() string { return m.Game }

// UnregisterActionsData lists action names to remove.
type UnregisterActionsData struct {
	ActionNames []string `json:"action_names"`
}

// UnregisterActions removes actions from the game's action table.
// Unknown names are dropped silently.
type UnregisterActions struct {
	Game string                `json:"game,omitempty"`
	Data UnregisterActionsData `json:"data"`
}

func (UnregisterActions) Command() string    { return CmdUnregisterActions }
func (m UnregisterActions) GameName() string { return m.Game }

// ForceActionData demands the model pick one of the listed actions.
type ForceActionData struct {
	State            string   `json:"state,omitempty"`
	Query            string   `json:"query"`
	EphemeralContext *bool    `json:"ephemeral_context,omitempty"`
	ActionNames      []string `json:"action_names"`
}

// Ephemeral reports whether the force context should be discarded
// after the resulting generation.
func (d ForceActionData) Ephemeral() bool {
	return d.EphemeralContext != nil && *d.EphemeralContext
}

// ForceAction is a game-initiated demand for an action.
type ForceAction struct {
	Game string          `json:"game,omitempty"`
	Data ForceActionData `json:"data"`
}

func (ForceAction) Command() string    { return CmdForceAction }
func (m ForceAction) GameName() string { return m.Game }

// ActionResultData reports the outcome of a dispatched action.
type ActionResultData struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ActionResult correlates back to a previously sent Action message.
type ActionResult struct {
	Game string           `json:"game,omitempty"`
	Data ActionResultData `json:"data"`
}

func (ActionResult) Command() string    { return CmdActionResult }
func (m ActionResult) GameName() string { return m.Game }

// Mute suspends unsolicited model activity (v2).
type Mute struct{}

func (Mute) Command() string  { return CmdMute }
func (Mute) GameName() string { return "" }

// Unmute resumes model activity (v2).
type Unmute struct{}

func (Unmute) Command() string  { return CmdUnmute }
func (Unmute) GameName() string { return "" }

// ShutdownReady acknowledges a graceful shutdown request (v2).
type ShutdownReady struct{}

func (ShutdownReady) Command() string  { return CmdShutdownReady }
func (ShutdownReady) GameName() string { return "" }

// ActionData identifies a single in-flight action instance.
// ID is 32 lowercase hex characters (UUID v4 without dashes).
// Data, when set, is a JSON-encoded string conforming to the action's
// registered schema.
type ActionData struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Data *string `json:"data"`
}

// ActionMessage dispatches a chosen action to the game.
type ActionMessage struct {
	Data ActionData `json:"data"`
}

func (ActionMessage) Command() string { return CmdAction }

// ReregisterAll asks a v1 game to re-send its action registrations.
type ReregisterAll struct{}

func (ReregisterAll) Command() string { return CmdReregisterAll }

// ShutdownGracefulData signals whether the server wants to shut down.
type ShutdownGracefulData struct {
	WantsShutdown bool `json:"wants_shutdown"`
}

// ShutdownGraceful starts the v2 shutdown handshake.
type ShutdownGraceful struct {
	Data ShutdownGracefulData `json:"data"`
}

func (ShutdownGraceful) Command() string { return CmdShutdownGraceful }

// ShutdownImmediate tells a v2 game to save and exit now.
type ShutdownImmediate struct{}

func (ShutdownImmediate) Command() string { return CmdShutdownImmediate }

// NormalizeSchema injects additionalProperties=false into object
// schemas so constrained decoding cannot invent fields. The schema is
// mutated in place and returned.
func NormalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	if t, ok := schema["type"].(string); ok && strings.EqualFold(t, "object") {
		schema["additionalProperties"] = false
	}
	return schema
}
