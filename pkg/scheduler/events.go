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

package scheduler

import (
	"time"

	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

// Priority orders events in the queue. Lower runs first.
type Priority int

const (
	// PriorityForce preempts everything else.
	PriorityForce Priority = 0
	// PriorityHigh is for context updates.
	PriorityHigh Priority = 1
	// PriorityNormal is for try_action prompts.
	PriorityNormal Priority = 2
	// PriorityLow is for say and sleep.
	PriorityLow Priority = 3
)

// Event is a unit of work for a game's worker. Events with equal
// priority drain in FIFO order.
type Event interface {
	Priority() Priority
	Name() string
}

// ForceEvent makes the model perform an action. A nil Force means any
// registered action may be picked (idle force).
type ForceEvent struct {
	Force *protocol.ForceActionData
}

func (ForceEvent) Priority() Priority { return PriorityForce }
func (ForceEvent) Name() string       { return "force_action" }

// ContextEvent appends a contextual update to the conversation.
type ContextEvent struct {
	Text string
	// Silent updates do not prompt the model to act afterwards.
	Silent bool
	// Ephemeral updates (and anything generated off them) do not stay
	// in the context window.
	Ephemeral bool
	// Persistent updates survive partial context trims.
	Persistent bool
}

func (ContextEvent) Priority() Priority { return PriorityHigh }
func (ContextEvent) Name() string       { return "context" }

// TryActionEvent prompts the model to act. At most one is pending at a
// time; redundant enqueues are dropped.
type TryActionEvent struct{}

func (TryActionEvent) Priority() Priority { return PriorityNormal }
func (TryActionEvent) Name() string       { return "try_action" }

// SayEvent makes the model speak. An empty Message is generated.
type SayEvent struct {
	Message string
}

func (SayEvent) Priority() Priority { return PriorityLow }
func (SayEvent) Name() string       { return "say" }

// SleepEvent pauses acting for the duration, simulating speech pacing.
type SleepEvent struct {
	Duration time.Duration
}

func (SleepEvent) Priority() Priority { return PriorityLow }
func (SleepEvent) Name() string       { return "sleep" }

// ClearContextEvent resets the conversation log.
type ClearContextEvent struct{}

func (ClearContextEvent) Priority() Priority { return PriorityForce }
func (ClearContextEvent) Name() string       { return "clear_context" }
