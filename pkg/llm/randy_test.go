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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandySelect(t *testing.T) {
	r := NewRandy(42, byteTokenizer{}, nil)
	options := []string{"attack", "defend", "flee"}

	for i := 0; i < 20; i++ {
		res, err := r.Generate(context.Background(), SelectGrammar{Options: options}, GenerateOptions{})
		require.NoError(t, err)
		assert.Contains(t, options, res.Text)
	}
}

func TestRandyDeterministic(t *testing.T) {
	gen := func() []string {
		r := NewRandy(7, byteTokenizer{}, nil)
		out := make([]string, 10)
		for i := range out {
			res, err := r.Generate(context.Background(), SelectGrammar{Options: []string{"a", "b", "c"}}, GenerateOptions{})
			require.NoError(t, err)
			out[i] = res.Text
		}
		return out
	}
	assert.Equal(t, gen(), gen(), "same seed gives the same sequence")
}

func TestRandyJSONSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		check  func(t *testing.T, v any)
	}{
		{
			name: "object with required properties",
			schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":  map[string]any{"type": "string"},
					"count": map[string]any{"type": "integer"},
				},
				"required": []any{"name", "count"},
			},
			check: func(t *testing.T, v any) {
				obj, ok := v.(map[string]any)
				require.True(t, ok)
				assert.Contains(t, obj, "name")
				assert.Contains(t, obj, "count")
				_, isString := obj["name"].(string)
				assert.True(t, isString)
			},
		},
		{
			name:   "enum",
			schema: map[string]any{"enum": []any{"red", "green", "blue"}},
			check: func(t *testing.T, v any) {
				assert.Contains(t, []any{"red", "green", "blue"}, v)
			},
		},
		{
			name:   "const",
			schema: map[string]any{"const": "fixed"},
			check: func(t *testing.T, v any) {
				assert.Equal(t, "fixed", v)
			},
		},
		{
			name:   "integer bounds",
			schema: map[string]any{"type": "integer", "minimum": 5.0, "maximum": 8.0},
			check: func(t *testing.T, v any) {
				n, ok := v.(float64)
				require.True(t, ok)
				assert.GreaterOrEqual(t, n, 5.0)
				assert.LessOrEqual(t, n, 8.0)
			},
		},
		{
			name: "array item count",
			schema: map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "boolean"},
				"minItems": 2.0,
				"maxItems": 4.0,
			},
			check: func(t *testing.T, v any) {
				arr, ok := v.([]any)
				require.True(t, ok)
				assert.GreaterOrEqual(t, len(arr), 2)
				assert.LessOrEqual(t, len(arr), 4)
			},
		},
		{
			name: "ref into defs",
			schema: map[string]any{
				"$ref": "#/$defs/Color",
				"$defs": map[string]any{
					"Color": map[string]any{"enum": []any{"cyan", "magenta"}},
				},
			},
			check: func(t *testing.T, v any) {
				assert.Contains(t, []any{"cyan", "magenta"}, v)
			},
		},
		{
			name: "oneOf picks a branch",
			schema: map[string]any{
				"oneOf": []any{
					map[string]any{"const": "left"},
					map[string]any{"const": "right"},
				},
			},
			check: func(t *testing.T, v any) {
				assert.Contains(t, []any{"left", "right"}, v)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRandy(42, byteTokenizer{}, nil)
			for i := 0; i < 10; i++ {
				res, err := r.Generate(context.Background(), JSONGrammar{Schema: tt.schema}, GenerateOptions{})
				require.NoError(t, err)
				var v any
				require.NoError(t, json.Unmarshal([]byte(res.Text), &v), "output must be valid JSON: %s", res.Text)
				tt.check(t, v)
			}
		})
	}
}

func TestRandyFreeText(t *testing.T) {
	r := NewRandy(42, byteTokenizer{}, nil)
	res, err := r.Generate(context.Background(), FreeTextGrammar{Stop: []string{"\n"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Text)
	assert.NotContains(t, res.Text, "\n")
}

func TestRandyStateAndShift(t *testing.T) {
	r := NewRandy(42, byteTokenizer{}, nil)
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, []int{1, 2, 3, 4, 5}))
	assert.Equal(t, 5, r.StateLen())

	require.NoError(t, r.ShiftKV(1, 3))
	assert.Equal(t, 2, r.StateLen())

	assert.Error(t, r.ShiftKV(1, 10))

	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, 0, r.StateLen())
}

func TestRandyMaxTokens(t *testing.T) {
	r := NewRandy(42, byteTokenizer{}, nil)
	res, err := r.Generate(context.Background(), FreeTextGrammar{}, GenerateOptions{MaxTokens: 4})
	require.NoError(t, err)
	assert.Len(t, res.Tokens, 4)
	assert.Len(t, res.Text, 4)
}
