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

package ws

import (
	"sync"
	"time"

	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

const closeWriteTimeout = 5 * time.Second

func closeDeadline() time.Time {
	return time.Now().Add(closeWriteTimeout)
}

// events fans connection lifecycle callbacks out to subscribers.
// Callbacks run synchronously on the emitting goroutine, so receive
// handlers must not block on model work.
type events struct {
	mu         sync.RWMutex
	nextID     int
	connect    map[int]func()
	receive    map[int]func(protocol.GameMessage)
	send       map[int]func(protocol.GatewayMessage)
	disconnect map[int]func(CloseEvent)
}

func newEvents() *events {
	return &events{
		connect:    map[int]func(){},
		receive:    map[int]func(protocol.GameMessage){},
		send:       map[int]func(protocol.GatewayMessage){},
		disconnect: map[int]func(CloseEvent){},
	}
}

func (e *events) onConnect(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.connect[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.connect, id)
	}
}

func (e *events) onReceive(fn func(protocol.GameMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.receive[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.receive, id)
	}
}

func (e *events) onSend(fn func(protocol.GatewayMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.send[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.send, id)
	}
}

func (e *events) onDisconnect(fn func(CloseEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.disconnect[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.disconnect, id)
	}
}

func (e *events) emitConnect() {
	for _, fn := range e.snapshotConnect() {
		fn()
	}
}

func (e *events) emitReceive(msg protocol.GameMessage) {
	e.mu.RLock()
	fns := make([]func(protocol.GameMessage), 0, len(e.receive))
	for _, fn := range e.receive {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (e *events) emitSend(msg protocol.GatewayMessage) {
	e.mu.RLock()
	fns := make([]func(protocol.GatewayMessage), 0, len(e.send))
	for _, fn := range e.send {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (e *events) emitDisconnect(ev CloseEvent) {
	e.mu.RLock()
	fns := make([]func(CloseEvent), 0, len(e.disconnect))
	for _, fn := range e.disconnect {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *events) snapshotConnect() []func() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fns := make([]func(), 0, len(e.connect))
	for _, fn := range e.connect {
		fns = append(fns, fn)
	}
	return fns
}
