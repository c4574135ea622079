package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"zigbee-actions/internal/coordinator"
)

func newTestHub(t *testing.T) *WSHub {
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(hub *WSHub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)
	client := &wsClient{send: make(chan []byte, 16)}

	hub.register <- client
	require.Eventually(t, func() bool { return clientCount(hub) == 1 }, time.Second, time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool { return clientCount(hub) == 0 }, time.Second, time.Millisecond)
	_, ok := <-client.send
	assert.False(t, ok, "send channel is closed on unregister")
}

func TestWSHubBroadcastFiltersTypes(t *testing.T) {
	hub := newTestHub(t)
	all := &wsClient{send: make(chan []byte, 16)}
	failures := &wsClient{send: make(chan []byte, 16), types: map[string]bool{coordinator.EventActionFailed: true}}
	hub.register <- all
	hub.register <- failures

	hub.Broadcast(coordinator.Event{Type: coordinator.EventActionStarted, Data: coordinator.ActionEvent{ID: "1", Action: "raw"}})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventActionFailed, Data: coordinator.ActionEvent{ID: "1", Action: "raw", Error: "x"}})

	require.Eventually(t, func() bool { return len(all.send) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(failures.send) == 1 }, time.Second, time.Millisecond)

	var ev coordinator.Event
	require.NoError(t, json.Unmarshal(<-failures.send, &ev))
	assert.Equal(t, coordinator.EventActionFailed, ev.Type)
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast

	hub.Broadcast(coordinator.Event{Type: "a"})
	hub.Broadcast(coordinator.Event{Type: "broken", Data: make(chan int)})
	hub.Broadcast(coordinator.Event{Type: "b"})

	require.Eventually(t, func() bool { return len(fast.send) == 2 }, time.Second, time.Millisecond)
	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	assert.False(t, slowPresent, "slow client should have been evicted")
	assert.True(t, fastPresent)
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := NewWSHub(testLogger())
	// Not running, so the queue only fills.
	for i := 0; i < 256; i++ {
		hub.Broadcast(coordinator.Event{Type: "fill"})
	}
	done := make(chan struct{})
	go func() {
		hub.Broadcast(coordinator.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked when channel is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	hub.Stop()
	assert.NotPanics(t, hub.Stop)
	_, ok := <-client.send
	assert.False(t, ok)
}

func TestParseTypes(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?types=action_failed,%20touchlink_state,,", nil)
	assert.Equal(t, map[string]bool{"action_failed": true, "touchlink_state": true}, parseTypes(r))
	assert.Nil(t, parseTypes(httptest.NewRequest("GET", "/ws", nil)))
}

func TestWSFrameEncoding(t *testing.T) {
	env := setupTestServer(t)

	hello, ok := env.srv.helloFrame()
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"touchlink_state","data":{"state":"idle"}}`, string(hello))

	_, ok = encodeEvent(testLogger(), coordinator.Event{Type: "broken", Data: make(chan int)})
	assert.False(t, ok, "unencodable frames are skipped")
}

func TestWSEndToEnd(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() coordinator.Event {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev coordinator.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	hello := read()
	assert.Equal(t, coordinator.EventTouchlinkState, hello.Type)
	assert.Equal(t, map[string]any{"state": "idle"}, hello.Data)

	// Registration happens after the hello frame is queued.
	require.Eventually(t, func() bool { return clientCount(env.srv.wsHub) == 1 }, time.Second, time.Millisecond)
	env.coord.Events().Emit(coordinator.Event{Type: coordinator.EventActionStarted, Data: coordinator.ActionEvent{ID: "x", Action: "raw"}})
	ev := read()
	assert.Equal(t, coordinator.EventActionStarted, ev.Type)
}
