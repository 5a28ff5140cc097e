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

// Package ws wraps a game's WebSocket with typed send/receive and a
// small event surface the registry subscribes to.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gamelink-ai/gamelink/pkg/observability"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

// CloseEvent describes how a connection ended.
type CloseEvent struct {
	Code          int
	Reason        string
	PeerInitiated bool
}

// Conn is a single game's WebSocket connection. One Conn serves one
// socket for its whole lifetime; reconnecting games get a new Conn.
type Conn struct {
	id      string
	version protocol.Version
	ws      *websocket.Conn
	logger  *slog.Logger

	events *events

	writeMu sync.Mutex

	mu        sync.Mutex
	gameName  string
	connected bool
	closeOnce sync.Once
}

// New wraps an upgraded socket. gameName may be empty for v1, which
// learns the name from the startup message.
func New(socket *websocket.Conn, version protocol.Version, gameName string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()[:8]
	return &Conn{
		id:        id,
		version:   version,
		ws:        socket,
		logger:    logger.With("conn", id),
		events:    newEvents(),
		gameName:  gameName,
		connected: true,
	}
}

func (c *Conn) ID() string                { return c.id }
func (c *Conn) Version() protocol.Version { return c.version }

func (c *Conn) GameName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameName
}

// SetGameName binds the game name; used when a v1 startup arrives.
func (c *Conn) SetGameName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gameName = name
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnect subscribes to the connection start. Returns an unsubscribe
// function; likewise for the other On methods.
func (c *Conn) OnConnect(fn func()) func()                     { return c.events.onConnect(fn) }
func (c *Conn) OnReceive(fn func(protocol.GameMessage)) func() { return c.events.onReceive(fn) }
func (c *Conn) OnSend(fn func(protocol.GatewayMessage)) func() { return c.events.onSend(fn) }
func (c *Conn) OnDisconnect(fn func(CloseEvent)) func()        { return c.events.onDisconnect(fn) }

// Send writes one gateway message as a text frame.
func (c *Conn) Send(msg protocol.GatewayMessage) error {
	if !c.IsConnected() {
		c.logger.Warn("Not connected, cannot send", "command", msg.Command())
		return errors.New("connection closed")
	}
	data, err := protocol.EncodeGatewayMessage(msg)
	if err != nil {
		return err
	}
	c.logger.Debug("Sending", "message", string(data))

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	observability.GetMetrics().RecordWSMessage(context.Background(), "out", msg.Command())
	c.events.emitSend(msg)
	return nil
}

// Close ends the connection from the gateway side.
func (c *Conn) Close(code int, reason string) {
	c.shutdown(CloseEvent{Code: code, Reason: reason}, true)
}

// shutdown marks the connection closed exactly once, optionally
// writing a close frame first.
func (c *Conn) shutdown(ev CloseEvent, writeClose bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if writeClose {
			deadline := closeDeadline()
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(ev.Code, ev.Reason), deadline)
			c.writeMu.Unlock()
		}
		_ = c.ws.Close()

		c.logger.Info("Disconnected", "code", ev.Code, "reason", ev.Reason, "peer", ev.PeerInitiated)
		c.events.emitDisconnect(ev)
	})
}

// Run is the connection lifecycle: emit connect, read frames until the
// peer leaves or a protocol error occurs, then emit disconnect. v1
// connections ask the game to re-register its actions on every
// connect.
func (c *Conn) Run(ctx context.Context) {
	c.events.emitConnect()
	if c.version == protocol.V1 {
		if err := c.Send(protocol.ReregisterAll{}); err != nil {
			c.logger.Warn("Failed to send reregister_all", "error", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		c.Close(protocol.CloseGoingAway, "Server shutting down")
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(peerCloseEvent(err), false)
			return
		}

		msg, err := protocol.DecodeGameMessage(c.version, data)
		if err != nil {
			c.logger.Warn("Protocol error", "error", err, "message", string(data))
			c.shutdown(CloseEvent{Code: protocol.CloseProtocolError, Reason: err.Error()}, true)
			return
		}
		c.logger.Debug("Received", "command", msg.Command())
		observability.GetMetrics().RecordWSMessage(ctx, "in", msg.Command())
		c.events.emitReceive(msg)
	}
}

func peerCloseEvent(err error) CloseEvent {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseEvent{Code: closeErr.Code, Reason: closeErr.Text, PeerInitiated: true}
	}
	return CloseEvent{Code: protocol.CloseAbnormal, Reason: err.Error(), PeerInitiated: true}
}
