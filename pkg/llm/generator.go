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

// Package llm drives the constrained generator: the token-bounded
// conversation log, grammar-constrained decoding, and the decision
// flows that pick and fill in game actions.
package llm

import "context"

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Grammar constrains a generation so the output is syntactically valid
// by construction.
type Grammar interface {
	grammar()
}

// SelectGrammar restricts output to one of a fixed set of literals.
type SelectGrammar struct {
	Options []string
}

func (SelectGrammar) grammar() {}

// JSONGrammar restricts output to JSON matching Schema. A nil Schema
// permits any JSON value.
type JSONGrammar struct {
	Schema map[string]any
}

func (JSONGrammar) grammar() {}

// FreeTextGrammar permits free text terminated by any of the Stop
// strings (the stop itself is not part of the output).
type FreeTextGrammar struct {
	Stop []string
}

func (FreeTextGrammar) grammar() {}

// GenerateOptions are the sampling parameters for one generation.
type GenerateOptions struct {
	Temperature float64
	// MaxTokens caps the generation length. Zero means engine default.
	MaxTokens int
}

// GenerateResult is the outcome of a constrained generation.
type GenerateResult struct {
	Text string
	// Tokens is the generated token sequence as the engine produced
	// it. Engines without token-level state leave it nil and the
	// caller re-encodes Text.
	Tokens []int
}

// Tokenizer encodes bytes to tokens and back. Implementations must
// round-trip: Decode(Encode(b)) == b for any text the engine handles.
type Tokenizer interface {
	Encode(b []byte) []int
	Decode(tokens []int) []byte
}

// Engine is the inference backend behind the gateway. Generation is
// non-cancellable: a context cancellation is observed only between
// engine calls, never mid-generation, to keep cache state coherent.
type Engine interface {
	// Append feeds tokens into the engine's conversation state.
	Append(ctx context.Context, tokens []int) error

	// Generate produces output constrained by the grammar. Generated
	// tokens become part of the engine state.
	Generate(ctx context.Context, g Grammar, opts GenerateOptions) (GenerateResult, error)

	// Reset clears all conversation state.
	Reset(ctx context.Context) error

	Tokenizer() Tokenizer
}

// KVShifter is the capability interface for engines with an
// addressable KV cache. Engines implementing it support partial
// context trims; engines without it fall back to full resets.
type KVShifter interface {
	// ShiftKV removes the token range [nKeep, nKeep+nDiscard) and
	// slides subsequent state left by nDiscard.
	ShiftKV(nKeep, nDiscard int) error
}

// ChatTemplate frames messages with role delimiters. The framing text
// is part of the token stream, so boundary offsets recorded by the log
// include it.
type ChatTemplate interface {
	RoleStart(role Role) string
	RoleEnd(role Role) string
}

// GenericTemplate is a simple ChatML-style template.
type GenericTemplate struct{}

func (GenericTemplate) RoleStart(role Role) string { return "<|" + string(role) + "|>\n" }
func (GenericTemplate) RoleEnd(Role) string        { return "<|end|>\n" }
