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

package llm

import (
	"context"
	"fmt"
)

// byteTokenizer maps every byte to one token. Exact round-trips with
// no network access, which is all the log machinery needs.
type byteTokenizer struct{}

func (byteTokenizer) Encode(b []byte) []int {
	tokens := make([]int, len(b))
	for i, c := range b {
		tokens[i] = int(c)
	}
	return tokens
}

func (byteTokenizer) Decode(tokens []int) []byte {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return b
}

// scriptEngine replays a fixed sequence of generation outputs, so
// decision flows can be steered precisely.
type scriptEngine struct {
	tok     Tokenizer
	outputs []string
	calls   []Grammar
	state   []int
}

func newScriptEngine(outputs ...string) *scriptEngine {
	return &scriptEngine{tok: byteTokenizer{}, outputs: outputs}
}

func (e *scriptEngine) Append(_ context.Context, tokens []int) error {
	e.state = append(e.state, tokens...)
	return nil
}

func (e *scriptEngine) Generate(_ context.Context, g Grammar, _ GenerateOptions) (GenerateResult, error) {
	if len(e.outputs) == 0 {
		return GenerateResult{}, fmt.Errorf("script exhausted (grammar %T)", g)
	}
	e.calls = append(e.calls, g)
	text := e.outputs[0]
	e.outputs = e.outputs[1:]
	tokens := e.tok.Encode([]byte(text))
	e.state = append(e.state, tokens...)
	return GenerateResult{Text: text, Tokens: tokens}, nil
}

func (e *scriptEngine) Reset(context.Context) error {
	e.state = e.state[:0]
	return nil
}

func (e *scriptEngine) Tokenizer() Tokenizer { return e.tok }

func (e *scriptEngine) ShiftKV(nKeep, nDiscard int) error {
	if nKeep < 0 || nKeep+nDiscard > len(e.state) {
		return fmt.Errorf("shift out of range: keep=%d discard=%d len=%d", nKeep, nDiscard, len(e.state))
	}
	e.state = append(e.state[:nKeep], e.state[nKeep+nDiscard:]...)
	return nil
}
