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

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamelink-ai/gamelink/pkg/config"
	"github.com/gamelink-ai/gamelink/pkg/llm"
	"github.com/gamelink-ai/gamelink/pkg/protocol"
	"github.com/gamelink-ai/gamelink/pkg/registry"
)

// byteTokenizer treats each byte as a token, keeping tests offline.
type byteTokenizer struct{}

func (byteTokenizer) Encode(b []byte) []int {
	tokens := make([]int, len(b))
	for i, c := range b {
		tokens[i] = int(c)
	}
	return tokens
}

func (byteTokenizer) Decode(tokens []int) []byte {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return b
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	reg := registry.New(cfg, func(string) (llm.Engine, error) {
		return llm.NewRandy(cfg.Engine.Seed, byteTokenizer{}, nil), nil
	}, nil)
	srv := New(cfg, reg, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, reg, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestSchemaEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/schema")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Gamelink Configuration Schema")
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestV2RequiresGameName(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/v2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestV1ConnectAndStartup(t *testing.T) {
	_, reg, ts := newTestServer(t, nil)
	client := dialWS(t, ts, "/")

	// v1 connections are greeted with a reregister_all request.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), protocol.CmdReregisterAll)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"command":"startup","game":"tetris"}`)))
	require.Eventually(t, func() bool { return reg.Game("tetris") != nil }, time.Second, 5*time.Millisecond)
}

func TestV2ConnectBindsGame(t *testing.T) {
	_, reg, ts := newTestServer(t, nil)
	dialWS(t, ts, "/v2/snake")

	require.Eventually(t, func() bool {
		game := reg.Game("snake")
		return game != nil && game.Connection() != nil && game.Connection().IsConnected()
	}, time.Second, 5*time.Millisecond)
}

func TestV2QueryParamGameName(t *testing.T) {
	_, reg, ts := newTestServer(t, nil)
	dialWS(t, ts, "/v2?game=pacman")

	require.Eventually(t, func() bool { return reg.Game("pacman") != nil }, time.Second, 5*time.Millisecond)
}

func TestShutdownHandshake(t *testing.T) {
	srv, reg, ts := newTestServer(t, nil)
	client := dialWS(t, ts, "/v2/snake")
	require.Eventually(t, func() bool { return reg.Game("snake") != nil }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeGatewayMessage(protocol.V2, raw)
	require.NoError(t, err)
	graceful, ok := msg.(protocol.ShutdownGraceful)
	require.True(t, ok, "expected shutdown/graceful, got %T", msg)
	assert.True(t, graceful.Data.WantsShutdown)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"command":"shutdown/ready"}`)))

	_, raw, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), protocol.CmdShutdownImmediate)

	// The connection is closed with 1001 after the handshake.
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseGoingAway, closeErr.Code)

	require.NoError(t, <-done)
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	srv, _, ts := newTestServer(t, nil)
	require.NoError(t, srv.Shutdown(context.Background()))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays up while draining")

	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v2/snake"), nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusServiceUnavailable, wsResp.StatusCode)
}
