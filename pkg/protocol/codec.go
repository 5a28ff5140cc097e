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

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCommand is returned when the command discriminator names
// no message of the connection's protocol version. Connections treat
// it as a protocol error (close 1002).
var ErrUnknownCommand = errors.New("unknown command")

type envelope struct {
	Command string          `json:"command"`
	Game    string          `json:"game,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func decodeData(raw json.RawMessage, command string, out any) error {
	if raw == nil {
		return fmt.Errorf("%q: missing data payload", command)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%q: invalid data payload: %w", command, err)
	}
	return nil
}

// DecodeGameMessage parses a single inbound frame according to the
// connection's protocol version. Unknown commands (including commands
// of the other version) yield ErrUnknownCommand.
func DecodeGameMessage(version Version, data []byte) (GameMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Command == "" {
		return nil, errors.New("missing command")
	}

	switch env.Command {
	case CmdStartup:
		if version != V1 {
			return nil, fmt.Errorf("%w: %q (v%s)", ErrUnknownCommand, env.Command, version)
		}
		return Startup{Game: env.Game}, nil

	case CmdContext:
		msg := Context{Game: env.Game}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil

	case CmdRegisterActions:
		msg := RegisterActions{Game: env.Game}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil

	case CmdUnregisterActions:
		msg := UnregisterActions{Game: env.Game}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil

	case CmdForceAction:
		msg := ForceAction{Game: env.Game}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil

	case CmdActionResult:
		msg := ActionResult{Game: env.Game}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil

	case CmdMute, CmdUnmute, CmdShutdownReady:
		if version != V2 {
			return nil, fmt.Errorf("%w: %q (v%s)", ErrUnknownCommand, env.Command, version)
		}
		switch env.Command {
		case CmdMute:
			return Mute{}, nil
		case CmdUnmute:
			return Unmute{}, nil
		default:
			return ShutdownReady{}, nil
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command)
	}
}

// EncodeGatewayMessage serializes an outbound message to compact JSON.
func EncodeGatewayMessage(msg GatewayMessage) ([]byte, error) {
	var out any
	switch m := msg.(type) {
	case ActionMessage:
		out = struct {
			Command string     `json:"command"`
			Data    ActionData `json:"data"`
		}{m.Command(), m.Data}
	case *ActionMessage:
		out = struct {
			Command string     `json:"command"`
			Data    ActionData `json:"data"`
		}{m.Command(), m.Data}
	case ReregisterAll:
		out = struct {
			Command string `json:"command"`
		}{m.Command()}
	case ShutdownGraceful:
		out = struct {
			Command string               `json:"command"`
			Data    ShutdownGracefulData `json:"data"`
		}{m.Command(), m.Data}
	case ShutdownImmediate:
		out = struct {
			Command string `json:"command"`
		}{m.Command()}
	default:
		return nil, fmt.Errorf("unsupported gateway message %T", msg)
	}
	return json.Marshal(out)
}

// EncodeGameMessage serializes an inbound-direction message. It exists
// for test harnesses acting as games; the gateway itself never emits
// these.
func EncodeGameMessage(msg GameMessage) ([]byte, error) {
	var out any
	switch m := msg.(type) {
	case Startup:
		out = struct {
			Command string `json:"command"`
			Game    string `json:"game"`
		}{m.Command(), m.Game}
	case Context:
		out = struct {
			Command string      `json:"command"`
			Game    string      `json:"game,omitempty"`
			Data    ContextData `json:"data"`
		}{m.Command(), m.Game, m.Data}
	case RegisterActions:
		out = struct {
			Command string              `json:"command"`
			Game    string              `json:"game,omitempty"`
			Data    RegisterActionsData `json:"data"`
		}{m.Command(), m.Game, m.Data}
	case UnregisterActions:
		out = struct {
			Command string                `json:"command"`
			Game    string                `json:"game,omitempty"`
			Data    UnregisterActionsData `json:"data"`
		}{m.Command(), m.Game, m.Data}
	case ForceAction:
		out = struct {
			Command string          `json:"command"`
			Game    string          `json:"game,omitempty"`
			Data    ForceActionData `json:"data"`
		}{m.Command(), m.Game, m.Data}
	case ActionResult:
		out = struct {
			Command string           `json:"command"`
			Game    string           `json:"game,omitempty"`
			Data    ActionResultData `json:"data"`
		}{m.Command(), m.Game, m.Data}
	case Mute, Unmute, ShutdownReady:
		out = struct {
			Command string `json:"command"`
		}{m.Command()}
	default:
		return nil, fmt.Errorf("unsupported game message %T", msg)
	}
	return json.Marshal(out)
}

// DecodeGatewayMessage parses a gateway-direction frame. Test harnesses
// acting as games use it to interpret what the gateway sent.
func DecodeGatewayMessage(version Version, data []byte) (GatewayMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Command {
	case CmdAction:
		msg := ActionMessage{}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil
	case CmdReregisterAll:
		if version != V1 {
			return nil, fmt.Errorf("%w: %q (v%s)", ErrUnknownCommand, env.Command, version)
		}
		return ReregisterAll{}, nil
	case CmdShutdownGraceful:
		if version != V2 {
			return nil, fmt.Errorf("%w: %q (v%s)", ErrUnknownCommand, env.Command, version)
		}
		msg := ShutdownGraceful{}
		if err := decodeData(env.Data, env.Command, &msg.Data); err != nil {
			return nil, err
		}
		return msg, nil
	case CmdShutdownImmediate:
		if version != V2 {
			return nil, fmt.Errorf("%w: %q (v%s)", ErrUnknownCommand, env.Command, version)
		}
		return ShutdownImmediate{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command)
	}
}
