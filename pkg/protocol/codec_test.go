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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestDecodeGameMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		msg     GameMessage
	}{
		{
			name:    "v1 startup",
			version: V1,
			msg:     Startup{Game: "pub"},
		},
		{
			name:    "v1 context",
			version: V1,
			msg:     Context{Game: "pub", Data: ContextData{Message: "a customer arrived", Silent: true}},
		},
		{
			name:    "v2 context",
			version: V2,
			msg:     Context{Data: ContextData{Message: "door opened"}},
		},
		{
			name:    "v1 register",
			version: V1,
			msg: RegisterActions{Game: "pub", Data: RegisterActionsData{Actions: []Action{
				{Name: "wave", Description: "wave at the camera"},
				{Name: "pour", Description: "pour a drink", Schema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"drink": map[string]any{"type": "string"}},
				}},
			}}},
		},
		{
			name:    "v2 unregister",
			version: V2,
			msg:     UnregisterActions{Data: UnregisterActionsData{ActionNames: []string{"wave", "ghost"}}},
		},
		{
			name:    "v1 force",
			version: V1,
			msg: ForceAction{Game: "pub", Data: ForceActionData{
				State:            `{"customers": 1}`,
				Query:            "serve the customer",
				EphemeralContext: boolPtr(true),
				ActionNames:      []string{"pour"},
			}},
		},
		{
			name:    "v2 force without state",
			version: V2,
			msg: ForceAction{Data: ForceActionData{
				Query:       "pick something",
				ActionNames: []string{"wave", "pour"},
			}},
		},
		{
			name:    "v1 result success",
			version: V1,
			msg:     ActionResult{Game: "pub", Data: ActionResultData{ID: "a3f1", Success: true}},
		},
		{
			name:    "v2 result failure",
			version: V2,
			msg:     ActionResult{Data: ActionResultData{ID: "a3f1", Success: false, Message: "no such drink"}},
		},
		{
			name:    "v2 mute",
			version: V2,
			msg:     Mute{},
		},
		{
			name:    "v2 unmute",
			version: V2,
			msg:     Unmute{},
		},
		{
			name:    "v2 shutdown ready",
			version: V2,
			msg:     ShutdownReady{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeGameMessage(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodeGameMessage(tt.version, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeGatewayMessage_RoundTrip(t *testing.T) {
	data := `{"drink":"rum"}`
	tests := []struct {
		name    string
		version Version
		msg     GatewayMessage
	}{
		{
			name:    "action with data",
			version: V1,
			msg: ActionMessage{Data: ActionData{
				ID:   "9f86d081884c7d659a2feaa0c55ad015",
				Name: "pour",
				Data: &data,
			}},
		},
		{
			name:    "action without data",
			version: V2,
			msg:     ActionMessage{Data: ActionData{ID: "9f86d081884c7d659a2feaa0c55ad015", Name: "wave"}},
		},
		{
			name:    "v1 reregister all",
			version: V1,
			msg:     ReregisterAll{},
		},
		{
			name:    "v2 graceful shutdown",
			version: V2,
			msg:     ShutdownGraceful{Data: ShutdownGracefulData{WantsShutdown: true}},
		},
		{
			name:    "v2 immediate shutdown",
			version: V2,
			msg:     ShutdownImmediate{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeGatewayMessage(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodeGatewayMessage(tt.version, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeGameMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		raw     string
		wantErr error
	}{
		{
			name:    "malformed json",
			version: V1,
			raw:     `{"command":`,
		},
		{
			name:    "missing command",
			version: V1,
			raw:     `{"game":"pub"}`,
		},
		{
			name:    "unknown command",
			version: V1,
			raw:     `{"command":"actions/explode"}`,
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "startup is v1 only",
			version: V2,
			raw:     `{"command":"startup","game":"pub"}`,
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "mute is v2 only",
			version: V1,
			raw:     `{"command":"mute"}`,
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "context without data",
			version: V1,
			raw:     `{"command":"context","game":"pub"}`,
		},
		{
			name:    "type mismatch in data",
			version: V1,
			raw:     `{"command":"context","game":"pub","data":{"message":42,"silent":"yes"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeGameMessage(tt.version, []byte(tt.raw))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeSchema(t *testing.T) {
	obj := map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer"}},
	}
	normalized := NormalizeSchema(obj)
	assert.Equal(t, false, normalized["additionalProperties"])

	str := map[string]any{"type": "string"}
	assert.NotContains(t, NormalizeSchema(str), "additionalProperties")

	assert.Nil(t, NormalizeSchema(nil))
}
