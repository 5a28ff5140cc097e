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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamelink-ai/gamelink/pkg/observability"
)

// opaqueEngine hides the KV shift capability of the wrapped engine.
type opaqueEngine struct {
	e *scriptEngine
}

func (o opaqueEngine) Append(ctx context.Context, tokens []int) error { return o.e.Append(ctx, tokens) }
func (o opaqueEngine) Generate(ctx context.Context, g Grammar, opts GenerateOptions) (GenerateResult, error) {
	return o.e.Generate(ctx, g, opts)
}
func (o opaqueEngine) Reset(ctx context.Context) error { return o.e.Reset(ctx) }
func (o opaqueEngine) Tokenizer() Tokenizer            { return o.e.tok }

func newTestLog(t *testing.T, engine Engine, cfg LogConfig) *Log {
	t.Helper()
	log := NewLog(engine, GenericTemplate{}, cfg, nil)
	require.NoError(t, log.Init(context.Background()))
	return log
}

func assertContiguous(t *testing.T, log *Log) {
	t.Helper()
	next := 0
	for i, msg := range log.Messages() {
		assert.Equal(t, next, msg.Start, "message %d start", i)
		next = msg.Start + msg.Size
	}
	assert.Equal(t, log.TokenCount(), next, "messages must cover all tokens")
}

func TestLogInitAndAppend(t *testing.T) {
	engine := newScriptEngine()
	log := newTestLog(t, engine, LogConfig{TokenLimit: 1000, SystemPrompt: "You play games.", Rules: "Be nice."})

	_, err := log.AppendMessage(context.Background(), RoleUser, "hello there", MessageFlags{})
	require.NoError(t, err)

	msgs := log.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.True(t, msgs[1].Persistent, "rules message is persistent")
	assert.Equal(t, RoleUser, msgs[2].Role)

	assert.Contains(t, log.Text(), "You play games.")
	assert.Contains(t, log.Text(), "hello there")
	assertContiguous(t, log)

	// The engine state mirrors the log token for token.
	assert.Equal(t, log.Tokens(), engine.state)
}

func TestLogOpenAppendGenerateClose(t *testing.T) {
	engine := newScriptEngine("jump")
	log := newTestLog(t, engine, LogConfig{TokenLimit: 1000, SystemPrompt: "sys"})
	ctx := context.Background()

	before := len(log.Messages())
	require.NoError(t, log.Open(ctx, RoleAssistant))
	require.NoError(t, log.Append(ctx, "action: "))
	text, err := log.Generate(ctx, SelectGrammar{Options: []string{"jump", "duck"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "jump", text)
	_, err = log.Close(ctx, MessageFlags{})
	require.NoError(t, err)

	msgs := log.Messages()
	require.Len(t, msgs, before+1)
	last := msgs[len(msgs)-1]
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Contains(t, log.Text(), "action: jump")
	assertContiguous(t, log)
	assert.Equal(t, log.Tokens(), engine.state)
}

func TestLogEnsureRoomWhileOpenFails(t *testing.T) {
	log := newTestLog(t, newScriptEngine(), LogConfig{TokenLimit: 60, SystemPrompt: "s"})
	ctx := context.Background()

	require.NoError(t, log.Open(ctx, RoleAssistant))
	assert.Error(t, log.EnsureRoom(ctx, 100))
}

func TestLogTrimPreservesSystemAndPersistent(t *testing.T) {
	engine := newScriptEngine()
	log := newTestLog(t, engine, LogConfig{TokenLimit: 400, SystemPrompt: "SYSPROMPT", Rules: "RULETEXT"})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := log.AppendMessage(ctx, RoleUser, fmt.Sprintf("update number %02d with some padding text", i), MessageFlags{})
		require.NoError(t, err)
	}

	text := log.Text()
	assert.Contains(t, text, "SYSPROMPT", "system prompt survives trims")
	assert.Contains(t, text, "RULETEXT", "persistent rules survive trims")
	assert.NotContains(t, text, "update number 00", "oldest updates are evicted")
	assert.Contains(t, text, "update number 19", "newest update is kept")
	assert.LessOrEqual(t, log.TokenCount(), log.TokenLimit())

	msgs := log.Messages()
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.True(t, msgs[1].Persistent)
	assertContiguous(t, log)
	assert.Equal(t, log.Tokens(), engine.state, "engine state stays byte-exact across trims")
}

func TestLogTrimRespectsMaxDiscard(t *testing.T) {
	engine := newScriptEngine()
	log := newTestLog(t, engine, LogConfig{TokenLimit: 400, MaxDiscard: 60, SystemPrompt: "sys"})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := log.AppendMessage(ctx, RoleUser, fmt.Sprintf("message %d padded out to be longer", i), MessageFlags{})
		require.NoError(t, err)
	}
	before := len(log.Messages())
	require.NoError(t, log.EnsureRoom(ctx, 100))

	// One trim stops once the discard budget is met, it does not wipe
	// the whole history.
	after := len(log.Messages())
	assert.Less(t, after, before)
	assert.Greater(t, after, 2, "trim must not behave like a reset")
	assertContiguous(t, log)
}

func TestLogResetFallbackWithoutShifter(t *testing.T) {
	inner := newScriptEngine()
	log := newTestLog(t, opaqueEngine{e: inner}, LogConfig{TokenLimit: 200, SystemPrompt: "SYSPROMPT"})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := log.AppendMessage(ctx, RoleUser, fmt.Sprintf("line %d with enough words to fill tokens", i), MessageFlags{})
		require.NoError(t, err)
	}

	// Without a KV shifter every overflow is a full truncation.
	text := log.Text()
	assert.Contains(t, text, "SYSPROMPT")
	assert.Equal(t, 1, strings.Count(text, "SYSPROMPT"))
	assert.NotContains(t, text, "line 0 ")
	assert.LessOrEqual(t, log.TokenCount(), log.TokenLimit())
	assert.Equal(t, log.Tokens(), inner.state)
}

func TestLogRollback(t *testing.T) {
	engine := newScriptEngine()
	log := newTestLog(t, engine, LogConfig{TokenLimit: 1000, SystemPrompt: "sys"})
	ctx := context.Background()

	mark := log.Position()
	wantTokens := log.TokenCount()
	_, err := log.AppendMessage(ctx, RoleUser, "scratch prompt", MessageFlags{Ephemeral: true})
	require.NoError(t, err)
	require.Greater(t, log.TokenCount(), wantTokens)

	require.NoError(t, log.Rollback(mark))
	assert.Equal(t, wantTokens, log.TokenCount())
	assert.NotContains(t, log.Text(), "scratch prompt")
	assert.Equal(t, log.Tokens(), engine.state)
	assertContiguous(t, log)
}

func TestLogRollbackWithoutShifterKeepsSpan(t *testing.T) {
	inner := newScriptEngine()
	log := newTestLog(t, opaqueEngine{e: inner}, LogConfig{TokenLimit: 1000, SystemPrompt: "sys"})
	ctx := context.Background()

	mark := log.Position()
	_, err := log.AppendMessage(ctx, RoleUser, "scratch prompt", MessageFlags{Ephemeral: true})
	require.NoError(t, err)

	require.NoError(t, log.Rollback(mark))
	assert.Contains(t, log.Text(), "scratch prompt", "opaque engines keep the span until reset")
}

// captureMetrics counts what the log reports to the recorder.
type captureMetrics struct {
	generations int
	genTokens   int
	genErrors   int
	trims       map[string]int
}

func (m *captureMetrics) RecordGeneration(_ context.Context, _ string, _ time.Duration, tokens int, err error) {
	m.generations++
	m.genTokens += tokens
	if err != nil {
		m.genErrors++
	}
}

func (m *captureMetrics) RecordTrim(_ context.Context, _ string, mode string) {
	m.trims[mode]++
}

func (m *captureMetrics) RecordWSMessage(context.Context, string, string)  {}
func (m *captureMetrics) RecordActionResult(context.Context, string, bool) {}
func (m *captureMetrics) RecordEvent(context.Context, string, string)      {}
func (m *captureMetrics) AddQueueDepth(context.Context, string, int)       {}

func installCaptureMetrics(t *testing.T) *captureMetrics {
	t.Helper()
	capture := &captureMetrics{trims: map[string]int{}}
	prev := observability.GetMetrics()
	observability.SetGlobalMetrics(capture)
	t.Cleanup(func() { observability.SetGlobalMetrics(prev) })
	return capture
}

func TestLogRecordsGenerationMetrics(t *testing.T) {
	capture := installCaptureMetrics(t)
	engine := newScriptEngine("jump")
	log := newTestLog(t, engine, LogConfig{Game: "tetris", TokenLimit: 1000, SystemPrompt: "sys"})
	ctx := context.Background()

	require.NoError(t, log.Open(ctx, RoleAssistant))
	_, err := log.Generate(ctx, SelectGrammar{Options: []string{"jump", "duck"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, capture.generations)
	assert.Equal(t, len("jump"), capture.genTokens)
	assert.Equal(t, 0, capture.genErrors)

	// The script is exhausted; the failed generation is counted too.
	_, err = log.Generate(ctx, SelectGrammar{Options: []string{"jump"}}, GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, capture.generations)
	assert.Equal(t, 1, capture.genErrors)
}

func TestLogRecordsTrimMetrics(t *testing.T) {
	capture := installCaptureMetrics(t)
	log := newTestLog(t, newScriptEngine(), LogConfig{Game: "tetris", TokenLimit: 400, SystemPrompt: "sys"})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := log.AppendMessage(ctx, RoleUser, fmt.Sprintf("update number %02d with some padding text", i), MessageFlags{})
		require.NoError(t, err)
	}
	assert.Greater(t, capture.trims["partial"], 0)
	assert.Zero(t, capture.trims["reset"], "a shifting engine never needs a full reset here")

	// Without a KV shifter the same overflow counts as a reset.
	capture.trims = map[string]int{}
	opaque := newTestLog(t, opaqueEngine{e: newScriptEngine()}, LogConfig{Game: "tetris", TokenLimit: 200, SystemPrompt: "sys"})
	for i := 0; i < 10; i++ {
		_, err := opaque.AppendMessage(ctx, RoleUser, fmt.Sprintf("line %d with enough words to fill tokens", i), MessageFlags{})
		require.NoError(t, err)
	}
	assert.Greater(t, capture.trims["reset"], 0)
	assert.Zero(t, capture.trims["partial"])
}

func TestLogMaxTokens(t *testing.T) {
	log := newTestLog(t, newScriptEngine(), LogConfig{TokenLimit: 100, SystemPrompt: "s"})
	remaining := log.TokenLimit() - log.TokenCount()
	assert.Equal(t, remaining, log.MaxTokens(1000))
	assert.Equal(t, 5, log.MaxTokens(5))
}
