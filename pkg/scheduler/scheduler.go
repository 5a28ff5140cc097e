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

// Package scheduler runs one worker per game: a priority event queue,
// idle timers, and the mute state that gates autonomous acting.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gamelink-ai/gamelink/pkg/observability"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

// MuteSource identifies who silenced the model. The model can act only
// when no source is muting it.
type MuteSource string

const (
	MuteWeb      MuteSource = "web"
	MuteGame     MuteSource = "game"
	MuteSleeping MuteSource = "sleeping"
)

// SayPace approximates TTS pacing: how long to stay quiet per spoken
// character.
const SayPace = 100 * time.Millisecond

const defaultPollInterval = 100 * time.Millisecond

// Handler dispatches dequeued events. All calls happen on the worker
// goroutine, one at a time.
type Handler interface {
	// HandleForce performs a forced action. A nil force means pick
	// among all registered actions.
	HandleForce(ctx context.Context, force *protocol.ForceActionData) error

	// HandleContext records a contextual update.
	HandleContext(ctx context.Context, ev ContextEvent) error

	// HandleTryAction lets the model decide whether to act. Returns
	// whether an action was executed.
	HandleTryAction(ctx context.Context) (bool, error)

	// HandleSay makes the model speak; returns what was said.
	HandleSay(ctx context.Context, message string) (string, error)

	// HandleClearContext wipes the conversation log.
	HandleClearContext(ctx context.Context) error

	// HasActions reports whether any action is currently registered.
	HasActions() bool
}

// Config holds the per-game scheduling knobs.
type Config struct {
	// IdleTry is the try_action idle interval. Zero disables it.
	IdleTry time.Duration
	// IdleForce is the forced-action idle interval. Zero disables it.
	IdleForce time.Duration
	// AllowSay permits speaking as a try_action outcome.
	AllowSay bool
	// PollInterval is the worker's idle poll. Zero means 100ms.
	PollInterval time.Duration
}

// Scheduler drives a single game's event loop. All model work for the
// game funnels through its queue, which enforces the single-flight
// invariant.
type Scheduler struct {
	game    string
	handler Handler
	cfg     Config
	logger  *slog.Logger

	queue *eventQueue

	tryTimer   *PeriodicTimer
	forceTimer *PeriodicTimer

	mu         sync.Mutex
	mutes      map[MuteSource]bool
	pendingTry bool
	busy       bool
	active     bool
	wake       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a scheduler for the named game. Call Start to run it.
func New(game string, handler Handler, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	s := &Scheduler{
		game:    game,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("game", game),
		queue:   newEventQueue(),
		mutes:   map[MuteSource]bool{},
	}
	if cfg.IdleTry <= 0 {
		s.logger.Info("Idle timeout (try) disabled")
	}
	if cfg.IdleForce <= 0 {
		s.logger.Info("Idle timeout (force) disabled")
	}
	s.tryTimer = NewPeriodicTimer(cfg.IdleTry, s.idleTry, "try_timer")
	s.forceTimer = NewPeriodicTimer(cfg.IdleForce, s.idleForce, "force_timer")
	return s
}

// Start launches the worker goroutine and the idle timers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	canAct := s.canActLocked()
	s.mu.Unlock()

	go s.run(ctx)
	if canAct {
		s.tryTimer.Start()
		s.forceTimer.Start()
	}
}

// Stop cancels the timers and shuts the worker down. An in-flight
// dispatch is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.tryTimer.Stop()
	s.forceTimer.Stop()
	cancel()
	<-done
}

// Enqueue adds an event for the worker. Returns false when the
// scheduler is stopped or the event was coalesced away.
func (s *Scheduler) Enqueue(ev Event) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	if _, ok := ev.(TryActionEvent); ok {
		if s.pendingTry {
			s.mu.Unlock()
			return false
		}
		s.pendingTry = true
	}
	wake := s.wake
	s.mu.Unlock()

	s.queue.Push(ev)
	observability.GetMetrics().AddQueueDepth(context.Background(), s.game, 1)
	select {
	case wake <- struct{}{}:
	default:
	}
	return true
}

// QueueLen reports how many events are waiting.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Busy reports whether a dispatch is in flight.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// CanAct reports whether the model may act autonomously.
func (s *Scheduler) CanAct() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canActLocked()
}

func (s *Scheduler) canActLocked() bool {
	for _, muted := range s.mutes {
		if muted {
			return false
		}
	}
	return true
}

// Muted reports whether the given source is muting the model.
func (s *Scheduler) Muted(source MuteSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutes[source]
}

// SetMuted toggles one mute source. Losing the ability to act stops
// the idle timers; regaining it restarts them and prompts the model to
// catch up.
func (s *Scheduler) SetMuted(source MuteSource, muted bool) {
	s.mu.Lock()
	if s.mutes[source] == muted {
		s.mu.Unlock()
		return
	}
	before := s.canActLocked()
	s.mutes[source] = muted
	after := s.canActLocked()
	s.mu.Unlock()

	if before == after {
		return
	}
	s.logger.Info("Mute state changed", "source", source, "muted", muted, "can_act", after)
	if !after {
		s.tryTimer.Stop()
		s.forceTimer.Stop()
	} else {
		s.tryTimer.Start()
		s.forceTimer.Start()
		s.Enqueue(TryActionEvent{})
	}
}

// NotifyAction resets both idle timers; called whenever an action goes
// out on the wire.
func (s *Scheduler) NotifyAction() {
	s.tryTimer.Reset()
	s.forceTimer.Reset()
}

// NotifyContext resets the try timer; called on inbound context.
func (s *Scheduler) NotifyContext() {
	s.tryTimer.Reset()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-poll.C:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			ev := s.queue.Pop()
			if ev == nil {
				break
			}
			observability.GetMetrics().AddQueueDepth(ctx, s.game, -1)
			s.setBusy(true)
			s.dispatch(ctx, ev)
			s.setBusy(false)
		}
	}
}

func (s *Scheduler) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

func (s *Scheduler) dispatch(ctx context.Context, ev Event) {
	s.logger.Debug("Processing event", "event", ev.Name(), "priority", ev.Priority())
	observability.GetMetrics().RecordEvent(ctx, s.game, ev.Name())

	var err error
	switch ev := ev.(type) {
	case ForceEvent:
		if !s.CanAct() {
			s.logger.Info("Force ignored", "reason", s.muteReason())
			return
		}
		err = s.handler.HandleForce(ctx, ev.Force)

	case ContextEvent:
		err = s.handler.HandleContext(ctx, ev)
		s.NotifyContext()

	case TryActionEvent:
		s.mu.Lock()
		s.pendingTry = false
		s.mu.Unlock()
		if !s.CanAct() {
			s.logger.Info("TryAction ignored", "reason", s.muteReason())
			return
		}
		var acted bool
		acted, err = s.handler.HandleTryAction(ctx)
		if acted {
			s.forceTimer.Reset()
		}

	case SayEvent:
		if ev.Message == "" && !s.CanAct() {
			s.logger.Warn("Say skipped", "reason", s.muteReason())
			return
		}
		_, err = s.handler.HandleSay(ctx, ev.Message)

	case SleepEvent:
		s.sleep(ctx, ev.Duration)

	case ClearContextEvent:
		err = s.handler.HandleClearContext(ctx)

	default:
		s.logger.Warn("Unknown event type", "event", ev.Name())
	}

	if err != nil {
		s.logger.Error("Error processing event", "event", ev.Name(), "error", err)
	}
}

// sleep blocks the worker with sleeping set, so idle timers pause and
// try_action is suppressed for the duration.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	s.logger.Debug("Sleeping", "duration", d)
	s.SetMuted(MuteSleeping, true)
	defer s.SetMuted(MuteSleeping, false)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Scheduler) muteReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, source := range []MuteSource{MuteSleeping, MuteGame, MuteWeb} {
		if s.mutes[source] {
			return string(source)
		}
	}
	return "unknown"
}

func (s *Scheduler) idleTry() {
	if !s.handler.HasActions() && !s.cfg.AllowSay {
		s.logger.Info("Idled, but no actions", "interval", s.tryTimer.Interval())
		return
	}
	s.logger.Warn("Idled, trying action", "interval", s.tryTimer.Interval())
	s.Enqueue(TryActionEvent{})
}

func (s *Scheduler) idleForce() {
	if !s.handler.HasActions() {
		s.logger.Info("Nothing happened for a while, but nothing to force", "interval", s.forceTimer.Interval())
		return
	}
	s.logger.Error("Nothing happened for too long, forcing", "interval", s.forceTimer.Interval())
	s.Enqueue(ForceEvent{})
}
