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
	"sync"
	"time"
)

// PeriodicTimer fires a callback every interval until stopped. Reset
// restarts the current interval. A zero interval disables the timer
// entirely.
type PeriodicTimer struct {
	name     string
	callback func()

	mu       sync.Mutex
	interval time.Duration
	active   bool
	timer    *time.Timer
}

func NewPeriodicTimer(interval time.Duration, callback func(), name string) *PeriodicTimer {
	return &PeriodicTimer{
		name:     name,
		callback: callback,
		interval: interval,
	}
}

func (t *PeriodicTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return
	}
	t.active = true
	t.schedule()
}

func (t *PeriodicTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Reset restarts the interval countdown. A stopped timer stays stopped.
func (t *PeriodicTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.schedule()
}

func (t *PeriodicTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *PeriodicTimer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *PeriodicTimer) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	if t.active {
		t.schedule()
	}
}

// schedule must be called with the lock held.
func (t *PeriodicTimer) schedule() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.interval <= 0 {
		return
	}
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *PeriodicTimer) fire() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.callback()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.schedule()
	}
}
