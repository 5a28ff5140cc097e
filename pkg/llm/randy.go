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
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
)

// Randy is a seedable random engine that honors every grammar without
// running a model: selects get a uniform pick, JSON grammars get a
// schema-conforming payload, and free text gets a canned phrase. That
// makes it the engine for tests and for trying the gateway against a
// real game before wiring an inference backend.
type Randy struct {
	rng    *rand.Rand
	tok    Tokenizer
	logger *slog.Logger
	state  []int
}

var randyWords = []string{
	"door", "lever", "potion", "sword", "chest", "torch", "map",
	"north", "south", "gold", "key", "dragon", "bridge", "cave",
}

var randyPhrases = []string{
	"Let's see what happens.",
	"I have a good feeling about this.",
	"That was unexpected.",
	"Interesting. Let me think about the next move.",
	"Here goes nothing.",
}

// NewRandy creates a random engine with the given seed.
func NewRandy(seed uint64, tok Tokenizer, logger *slog.Logger) *Randy {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Randy's seed", "seed", seed)
	return &Randy{
		rng:    rand.New(rand.NewPCG(seed, seed)),
		tok:    tok,
		logger: logger,
	}
}

func (r *Randy) Append(_ context.Context, tokens []int) error {
	r.state = append(r.state, tokens...)
	return nil
}

func (r *Randy) Generate(_ context.Context, g Grammar, opts GenerateOptions) (GenerateResult, error) {
	var text string
	switch g := g.(type) {
	case SelectGrammar:
		if len(g.Options) == 0 {
			return GenerateResult{}, fmt.Errorf("select grammar with no options")
		}
		text = g.Options[r.rng.IntN(len(g.Options))]
	case JSONGrammar:
		value := r.valueForSchema(g.Schema, g.Schema, 0)
		out, err := json.Marshal(value)
		if err != nil {
			return GenerateResult{}, err
		}
		text = string(out)
	case FreeTextGrammar:
		text = randyPhrases[r.rng.IntN(len(randyPhrases))]
	default:
		return GenerateResult{}, fmt.Errorf("unsupported grammar %T", g)
	}

	tokens := r.tok.Encode([]byte(text))
	if opts.MaxTokens > 0 && len(tokens) > opts.MaxTokens {
		tokens = tokens[:opts.MaxTokens]
		text = string(r.tok.Decode(tokens))
	}
	r.state = append(r.state, tokens...)
	return GenerateResult{Text: text, Tokens: tokens}, nil
}

func (r *Randy) Reset(context.Context) error {
	r.state = r.state[:0]
	return nil
}

func (r *Randy) Tokenizer() Tokenizer {
	return r.tok
}

// ShiftKV splices the token range out of the mirrored state.
func (r *Randy) ShiftKV(nKeep, nDiscard int) error {
	if nKeep < 0 || nKeep+nDiscard > len(r.state) {
		return fmt.Errorf("shift out of range: keep=%d discard=%d len=%d", nKeep, nDiscard, len(r.state))
	}
	r.state = append(r.state[:nKeep], r.state[nKeep+nDiscard:]...)
	return nil
}

// StateLen reports the mirrored token count, for tests.
func (r *Randy) StateLen() int {
	return len(r.state)
}

const randyMaxDepth = 6

// valueForSchema synthesizes a value conforming to schema. root is the
// document root, used to resolve local $refs.
func (r *Randy) valueForSchema(schema, root map[string]any, depth int) any {
	if schema == nil || depth > randyMaxDepth {
		return r.anyValue(depth)
	}

	if ref, ok := schema["$ref"].(string); ok {
		if resolved := resolveRef(ref, root); resolved != nil {
			return r.valueForSchema(resolved, root, depth+1)
		}
		return nil
	}
	if c, ok := schema["const"]; ok {
		return c
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		return enum[r.rng.IntN(len(enum))]
	}
	for _, key := range []string{"oneOf", "anyOf"} {
		if branches, ok := schema[key].([]any); ok && len(branches) > 0 {
			if branch, ok := branches[r.rng.IntN(len(branches))].(map[string]any); ok {
				return r.valueForSchema(branch, root, depth+1)
			}
		}
	}
	if branches, ok := schema["allOf"].([]any); ok && len(branches) > 0 {
		merged := map[string]any{}
		for _, branch := range branches {
			if branchMap, ok := branch.(map[string]any); ok {
				for k, v := range branchMap {
					merged[k] = v
				}
			}
		}
		return r.valueForSchema(merged, root, depth+1)
	}

	switch schemaTypeOf(schema) {
	case "object":
		return r.objectValue(schema, root, depth)
	case "array":
		return r.arrayValue(schema, root, depth)
	case "string":
		return randyWords[r.rng.IntN(len(randyWords))]
	case "integer":
		return r.intValue(schema)
	case "number":
		return r.numberValue(schema)
	case "boolean":
		return r.rng.IntN(2) == 0
	case "null":
		return nil
	default:
		return r.anyValue(depth)
	}
}

func (r *Randy) objectValue(schema, root map[string]any, depth int) map[string]any {
	out := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if names, ok := schema["required"].([]any); ok {
		for _, name := range names {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}
	for name, prop := range props {
		if !required[name] && r.rng.IntN(2) == 0 {
			continue
		}
		propMap, _ := prop.(map[string]any)
		out[name] = r.valueForSchema(propMap, root, depth+1)
	}
	return out
}

func (r *Randy) arrayValue(schema, root map[string]any, depth int) []any {
	minItems, maxItems := 0, 3
	if v, ok := asInt(schema["minItems"]); ok {
		minItems = v
	}
	if v, ok := asInt(schema["maxItems"]); ok {
		maxItems = v
	}
	if maxItems < minItems {
		maxItems = minItems
	}
	n := minItems + r.rng.IntN(maxItems-minItems+1)
	items, _ := schema["items"].(map[string]any)
	out := make([]any, n)
	for i := range out {
		out[i] = r.valueForSchema(items, root, depth+1)
	}
	return out
}

func (r *Randy) intValue(schema map[string]any) int {
	lo, hi := 0, 100
	if v, ok := asInt(schema["minimum"]); ok {
		lo = v
	}
	if v, ok := asInt(schema["exclusiveMinimum"]); ok {
		lo = v + 1
	}
	if v, ok := asInt(schema["maximum"]); ok {
		hi = v
	}
	if v, ok := asInt(schema["exclusiveMaximum"]); ok {
		hi = v - 1
	}
	if hi < lo {
		hi = lo
	}
	n := lo + r.rng.IntN(hi-lo+1)
	if step, ok := asInt(schema["multipleOf"]); ok && step > 0 {
		n = (n / step) * step
		if n < lo {
			n += step
		}
	}
	return n
}

func (r *Randy) numberValue(schema map[string]any) float64 {
	lo, hi := 0.0, 100.0
	if v, ok := asFloat(schema["minimum"]); ok {
		lo = v
	}
	if v, ok := asFloat(schema["maximum"]); ok {
		hi = v
	}
	if hi < lo {
		hi = lo
	}
	return lo + r.rng.Float64()*(hi-lo)
}

func (r *Randy) anyValue(depth int) any {
	switch r.rng.IntN(4) {
	case 0:
		return randyWords[r.rng.IntN(len(randyWords))]
	case 1:
		return r.rng.IntN(100)
	case 2:
		return r.rng.IntN(2) == 0
	default:
		if depth > randyMaxDepth {
			return nil
		}
		return map[string]any{randyWords[r.rng.IntN(len(randyWords))]: r.anyValue(depth + 1)}
	}
}

// resolveRef follows a local "#/$defs/Name" style pointer.
func resolveRef(ref string, root map[string]any) map[string]any {
	if root == nil || !strings.HasPrefix(ref, "#/") {
		return nil
	}
	node := any(root)
	for _, part := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[part]
	}
	out, _ := node.(map[string]any)
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
