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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamelink-ai/gamelink/pkg/observability"
)

// Message records one framed chat message as a token range in the log.
// Start and Size include the role delimiters.
type Message struct {
	Role       Role
	Start      int
	Size       int
	Persistent bool
	Ephemeral  bool
}

// MessageFlags qualify a message appended to the log.
type MessageFlags struct {
	// Persistent messages survive partial trims (system messages
	// always do).
	Persistent bool
	// Ephemeral messages are first in line for eviction and are
	// dropped by Rollback.
	Ephemeral bool
}

// LogConfig configures a conversation log.
type LogConfig struct {
	// Game labels metrics with the owning game.
	Game string
	// TokenLimit is the hard ceiling on log tokens plus the largest
	// anticipated generation.
	TokenLimit int
	// MaxDiscard caps how many tokens one partial trim may evict.
	// Zero means TokenLimit/2.
	MaxDiscard int
	// SystemPrompt is rewritten at the top of the log on every reset.
	SystemPrompt string
	// Rules is optional per-game guidance appended after the system
	// prompt as a persistent message.
	Rules string
}

// Mark is a snapshot of the log position, used to roll back ephemeral
// spans.
type Mark struct {
	tokens   int
	messages int
}

// Log is the token-bounded conversation log feeding a constrained
// generator. It mirrors the engine's conversation state token for
// token: every append and generation goes through the log, so the
// boundary list stays exact.
//
// The log is not safe for concurrent use; the per-game scheduler
// worker is its only caller.
type Log struct {
	engine   Engine
	tok      Tokenizer
	template ChatTemplate
	cfg      LogConfig
	logger   *slog.Logger

	tokens   []int
	messages []Message

	openStart int // -1 when no message is open
	openRole  Role
}

// NewLog creates a log over the given engine. Call Init before use.
func NewLog(engine Engine, template ChatTemplate, cfg LogConfig, logger *slog.Logger) *Log {
	if cfg.MaxDiscard == 0 {
		cfg.MaxDiscard = cfg.TokenLimit / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		engine:    engine,
		tok:       engine.Tokenizer(),
		template:  template,
		cfg:       cfg,
		logger:    logger,
		openStart: -1,
	}
}

// Init writes the system prompt (and rules, if any) into an empty log.
func (l *Log) Init(ctx context.Context) error {
	if _, err := l.AppendMessage(ctx, RoleSystem, l.cfg.SystemPrompt, MessageFlags{}); err != nil {
		return err
	}
	if l.cfg.Rules != "" {
		if _, err := l.AppendMessage(ctx, RoleSystem, l.cfg.Rules, MessageFlags{Persistent: true}); err != nil {
			return err
		}
	}
	return nil
}

// TokenCount returns the current number of tokens in the log.
func (l *Log) TokenCount() int {
	return len(l.tokens)
}

// TokenLimit returns the configured ceiling.
func (l *Log) TokenLimit() int {
	return l.cfg.TokenLimit
}

// Messages returns a copy of the message boundary list.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Tokens returns a copy of the token sequence.
func (l *Log) Tokens() []int {
	out := make([]int, len(l.tokens))
	copy(out, l.tokens)
	return out
}

// Text decodes the whole log back to text.
func (l *Log) Text() string {
	return string(l.tok.Decode(l.tokens))
}

// EstimateTokens returns the token count of text under the log's
// tokenizer.
func (l *Log) EstimateTokens(text string) int {
	return len(l.tok.Encode([]byte(text)))
}

// MaxTokens returns the generation budget left under the token limit,
// capped at atMost.
func (l *Log) MaxTokens(atMost int) int {
	budget := l.cfg.TokenLimit - len(l.tokens)
	if budget < 0 {
		budget = 0
	}
	if budget > atMost {
		budget = atMost
	}
	return budget
}

func (l *Log) appendTokens(ctx context.Context, tokens []int) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := l.engine.Append(ctx, tokens); err != nil {
		return err
	}
	l.tokens = append(l.tokens, tokens...)
	return nil
}

// Open starts a new framed message, appending the role delimiter.
func (l *Log) Open(ctx context.Context, role Role) error {
	if l.openStart != -1 {
		return fmt.Errorf("message already open (role %s)", l.openRole)
	}
	l.openStart = len(l.tokens)
	l.openRole = role
	return l.appendTokens(ctx, l.tok.Encode([]byte(l.template.RoleStart(role))))
}

// Append adds literal text inside the open message.
func (l *Log) Append(ctx context.Context, text string) error {
	if l.openStart == -1 {
		return errors.New("no open message")
	}
	return l.appendTokens(ctx, l.tok.Encode([]byte(text)))
}

// Generate runs a constrained generation inside the open message. The
// generated tokens become part of the log.
func (l *Log) Generate(ctx context.Context, g Grammar, opts GenerateOptions) (string, error) {
	if l.openStart == -1 {
		return "", errors.New("no open message")
	}
	start := time.Now()
	res, err := l.engine.Generate(ctx, g, opts)
	if err != nil {
		observability.GetMetrics().RecordGeneration(ctx, l.cfg.Game, time.Since(start), 0, err)
		return "", err
	}
	tokens := res.Tokens
	if tokens == nil {
		tokens = l.tok.Encode([]byte(res.Text))
	}
	observability.GetMetrics().RecordGeneration(ctx, l.cfg.Game, time.Since(start), len(tokens), nil)
	// The engine already holds these tokens; only mirror them here.
	l.tokens = append(l.tokens, tokens...)
	return res.Text, nil
}

// Close ends the open message, appending the role terminator and
// recording the boundary.
func (l *Log) Close(ctx context.Context, flags MessageFlags) (int, error) {
	if l.openStart == -1 {
		return 0, errors.New("no open message")
	}
	if err := l.appendTokens(ctx, l.tok.Encode([]byte(l.template.RoleEnd(l.openRole)))); err != nil {
		return 0, err
	}
	msg := Message{
		Role:       l.openRole,
		Start:      l.openStart,
		Size:       len(l.tokens) - l.openStart,
		Persistent: flags.Persistent,
		Ephemeral:  flags.Ephemeral,
	}
	l.messages = append(l.messages, msg)
	l.openStart = -1
	return len(l.messages) - 1, nil
}

// AppendMessage appends one complete framed message, making room
// first.
func (l *Log) AppendMessage(ctx context.Context, role Role, text string, flags MessageFlags) (int, error) {
	framed := l.template.RoleStart(role) + text + "\n" + l.template.RoleEnd(role)
	need := len(l.tok.Encode([]byte(framed)))
	if need > 500 && !flags.Persistent {
		l.logger.Warn("Oversized context message", "tokens", need, "preview", preview(text, 20))
	}
	if err := l.EnsureRoom(ctx, need); err != nil {
		return 0, err
	}
	if err := l.Open(ctx, role); err != nil {
		return 0, err
	}
	if err := l.Append(ctx, text+"\n"); err != nil {
		return 0, err
	}
	return l.Close(ctx, flags)
}

// EnsureRoom makes sure need more tokens fit under the limit, invoking
// a partial trim or a full reset as appropriate. It must not be called
// while a message is open.
func (l *Log) EnsureRoom(ctx context.Context, need int) error {
	used := len(l.tokens) + need
	if used <= l.cfg.TokenLimit {
		return nil
	}
	if l.openStart != -1 {
		return errors.New("cannot make room while a message is open")
	}

	l.logger.Info("Trimming context", "used", len(l.tokens), "need", need, "limit", l.cfg.TokenLimit)
	trimmed, err := l.trim(ctx)
	if err != nil {
		return err
	}
	if trimmed && len(l.tokens)+need <= l.cfg.TokenLimit {
		return nil
	}

	l.logger.Info("Truncating context", "used", len(l.tokens), "need", need, "limit", l.cfg.TokenLimit)
	observability.GetMetrics().RecordTrim(ctx, l.cfg.Game, "reset")
	return l.Reset(ctx)
}

// trim evicts the oldest discardable window of messages, preserving
// system and persistent messages, and shifts the engine's KV cache to
// match. Returns false when the engine cannot shift or nothing is
// discardable; the caller falls back to a full reset.
func (l *Log) trim(ctx context.Context) (bool, error) {
	shifter, ok := l.engine.(KVShifter)
	if !ok {
		return false, nil
	}

	discardable := func(m Message) bool {
		return m.Role != RoleSystem && !m.Persistent
	}

	nKeep := -1
	nDiscard := 0
	iStart, iEnd := 0, 0
	for i, msg := range l.messages {
		if nKeep == -1 {
			if discardable(msg) {
				nKeep = msg.Start
				iStart = i
				nDiscard = msg.Size
				iEnd = i + 1
			}
			continue
		}
		if !discardable(msg) || nDiscard >= l.cfg.MaxDiscard {
			break
		}
		nDiscard += msg.Size
		iEnd = i + 1
	}
	if nKeep == -1 || nDiscard == 0 {
		l.logger.Debug("Nothing to trim")
		return false, nil
	}

	if err := shifter.ShiftKV(nKeep, nDiscard); err != nil {
		return false, fmt.Errorf("kv shift failed: %w", err)
	}

	l.tokens = append(l.tokens[:nKeep], l.tokens[nKeep+nDiscard:]...)

	kept := l.messages[:iStart]
	for _, msg := range l.messages[iEnd:] {
		msg.Start -= nDiscard
		kept = append(kept, msg)
	}
	l.messages = kept

	observability.GetMetrics().RecordTrim(ctx, l.cfg.Game, "partial")
	l.logger.Debug("Trimmed context", "discarded", nDiscard, "tokens", len(l.tokens))
	return true, nil
}

// Reset clears the engine and the log and rewrites the system prompt.
func (l *Log) Reset(ctx context.Context) error {
	if err := l.engine.Reset(ctx); err != nil {
		return err
	}
	l.tokens = l.tokens[:0]
	l.messages = l.messages[:0]
	l.openStart = -1
	return l.Init(ctx)
}

// Position returns a mark for the current log position.
func (l *Log) Position() Mark {
	return Mark{tokens: len(l.tokens), messages: len(l.messages)}
}

// Rollback discards everything appended after the mark. Engines
// without an addressable cache cannot rewind; the span then stays in
// place until the next reset.
func (l *Log) Rollback(m Mark) error {
	if m.tokens > len(l.tokens) || m.messages > len(l.messages) {
		return errors.New("stale mark")
	}
	if m.tokens == len(l.tokens) {
		return nil
	}
	shifter, ok := l.engine.(KVShifter)
	if !ok {
		l.logger.Debug("Engine cannot rewind, keeping ephemeral span")
		return nil
	}
	if err := shifter.ShiftKV(m.tokens, len(l.tokens)-m.tokens); err != nil {
		return fmt.Errorf("kv shift failed: %w", err)
	}
	l.tokens = l.tokens[:m.tokens]
	l.messages = l.messages[:m.messages]
	l.openStart = -1
	return nil
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
