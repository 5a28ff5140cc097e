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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

var testUpgrader = websocket.Upgrader{}

// dial spins up a server that wraps the upgraded socket in a Conn and
// runs it, returning the client side.
func dial(t *testing.T, version protocol.Version, gameName string, setup func(*Conn)) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := New(sock, version, gameName, nil)
		setup(conn)
		go conn.Run(ctx)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnReceive(t *testing.T) {
	received := make(chan protocol.GameMessage, 1)
	client := dial(t, protocol.V2, "tetris", func(c *Conn) {
		c.OnReceive(func(msg protocol.GameMessage) { received <- msg })
	})

	err := client.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"context","game":"tetris","data":{"message":"level up","silent":true}}`))
	require.NoError(t, err)

	select {
	case msg := <-received:
		ctxMsg, ok := msg.(protocol.Context)
		require.True(t, ok)
		assert.Equal(t, "level up", ctxMsg.Data.Message)
		assert.True(t, ctxMsg.Data.Silent)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestConnSend(t *testing.T) {
	connCh := make(chan *Conn, 1)
	client := dial(t, protocol.V2, "tetris", func(c *Conn) {
		c.OnConnect(func() { connCh <- c })
	})

	conn := <-connCh
	data := `{"direction":"left"}`
	require.NoError(t, conn.Send(protocol.ActionMessage{
		Data: protocol.ActionData{ID: "abc123", Name: "move", Data: &data},
	}))

	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeGatewayMessage(protocol.V2, raw)
	require.NoError(t, err)
	action, ok := msg.(protocol.ActionMessage)
	require.True(t, ok)
	assert.Equal(t, "move", action.Data.Name)
	require.NotNil(t, action.Data.Data)
	assert.JSONEq(t, data, *action.Data.Data)
}

func TestConnV1SendsReregisterAllOnConnect(t *testing.T) {
	client := dial(t, protocol.V1, "", func(*Conn) {})

	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeGatewayMessage(protocol.V1, raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdReregisterAll, msg.Command())
}

func TestConnProtocolErrorCloses1002(t *testing.T) {
	disconnected := make(chan CloseEvent, 1)
	client := dial(t, protocol.V2, "tetris", func(c *Conn) {
		c.OnDisconnect(func(ev CloseEvent) { disconnected <- ev })
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, protocol.CloseProtocolError, closeErr.Code)

	select {
	case ev := <-disconnected:
		assert.Equal(t, protocol.CloseProtocolError, ev.Code)
		assert.False(t, ev.PeerInitiated)
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestConnPeerClose(t *testing.T) {
	disconnected := make(chan CloseEvent, 1)
	client := dial(t, protocol.V2, "tetris", func(c *Conn) {
		c.OnDisconnect(func(ev CloseEvent) { disconnected <- ev })
	})

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second)))

	select {
	case ev := <-disconnected:
		assert.Equal(t, protocol.CloseNormal, ev.Code)
		assert.True(t, ev.PeerInitiated)
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestConnSendAfterClose(t *testing.T) {
	connCh := make(chan *Conn, 1)
	dial(t, protocol.V2, "tetris", func(c *Conn) {
		c.OnConnect(func() { connCh <- c })
	})

	conn := <-connCh
	conn.Close(protocol.CloseNormal, "bye")
	assert.False(t, conn.IsConnected())
	assert.Error(t, conn.Send(protocol.ShutdownImmediate{}))
}

func TestConnUnsubscribe(t *testing.T) {
	calls := 0
	e := newEvents()
	unsub := e.onConnect(func() { calls++ })
	e.emitConnect()
	unsub()
	e.emitConnect()
	assert.Equal(t, 1, calls)
}
