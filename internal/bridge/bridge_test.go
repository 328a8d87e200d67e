package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/simulator"
	"github.com/kefctl/kefctl/internal/speaker"
)

func newTestSpeaker(t *testing.T) (*speaker.Speaker, *simulator.Server) {
	t.Helper()
	sim := simulator.New(simulator.Config{})
	require.NoError(t, sim.Start())
	t.Cleanup(func() { _ = sim.Shutdown(context.Background()) })

	spk, err := speaker.New(speaker.Config{
		Name:            "den",
		Address:         sim.Address(),
		ConnectTimeout:  200 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
		Retry: channel.RetryPolicy{
			Attempts:        2,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = spk.Close() })
	return spk, sim
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until match returns true or the deadline passes
func readUntil(t *testing.T, conn *websocket.Conn, match func(typ string, raw []byte) bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if match(head.Type, data) {
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd string) Result {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
	var result Result
	readUntil(t, conn, func(typ string, raw []byte) bool {
		if typ != TypeResult {
			return false
		}
		require.NoError(t, json.Unmarshal(raw, &result))
		return true
	})
	return result
}

func TestStateEndpoint(t *testing.T) {
	spk, _ := newTestSpeaker(t)
	require.NoError(t, spk.SetVolume(context.Background(), 0.4))
	require.NoError(t, spk.SetSource(context.Background(), protocol.SourceAux))

	srv := httptest.NewServer(New(spk, Config{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, TypeSnapshot, snap.Type)
	assert.Equal(t, "den", snap.Speaker)
	assert.Equal(t, "probing", snap.Reachability)

	vol := snap.Values[cache.KeyVolume]
	require.True(t, vol.Known)
	assert.InDelta(t, 0.4, vol.Value, 0.005)
	assert.Equal(t, "aux", snap.Values[cache.KeySource].Value)
	assert.Equal(t, false, snap.Values[cache.KeyMuted].Value)

	post, err := http.Post(srv.URL+"/state", "application/json", nil)
	require.NoError(t, err)
	_ = post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestWebSocketSnapshotThenChanges(t *testing.T) {
	spk, sim := newTestSpeaker(t)
	srv := httptest.NewServer(New(spk, Config{}).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	readUntil(t, conn, func(typ string, raw []byte) bool {
		require.Equal(t, TypeSnapshot, typ, "snapshot comes first")
		return true
	})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":"1","action":"set_volume","value":0.25}`)))

	var gotResult, gotChange bool
	readUntil(t, conn, func(typ string, raw []byte) bool {
		switch typ {
		case TypeResult:
			var r Result
			require.NoError(t, json.Unmarshal(raw, &r))
			assert.Equal(t, "1", r.ID)
			assert.True(t, r.OK, r.Error)
			gotResult = true
		case TypeChange:
			var ev ChangeEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			if ev.Key == cache.KeyVolume {
				assert.InDelta(t, 0.25, ev.Value, 0.005)
				gotChange = true
			}
		}
		return gotResult && gotChange
	})

	level, muted, err := protocol.DecodeVolume(sim.State().Volume)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, level, 0.005)
	assert.False(t, muted)
}

func TestWebSocketCommands(t *testing.T) {
	spk, sim := newTestSpeaker(t)
	srv := httptest.NewServer(New(spk, Config{}).Handler())
	defer srv.Close()
	conn := dial(t, srv)

	r := send(t, conn, `{"action":"set_source","value":"usb"}`)
	require.True(t, r.OK, r.Error)
	state, err := protocol.DecodeSourceState(sim.State().Source)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceUSB, state.Source)

	r = send(t, conn, `{"action":"set_dsp","name":"treble_db","value":3}`)
	assert.True(t, r.OK, r.Error)

	r = send(t, conn, `{"action":"play_pause"}`)
	assert.True(t, r.OK, r.Error)

	tests := []struct {
		name    string
		cmd     string
		errPart string
		outcome string
	}{
		{"unknown action", `{"action":"dance"}`, "unknown action", "not applied"},
		{"missing value", `{"action":"set_volume"}`, "requires a value", "not applied"},
		{"wrong type", `{"action":"set_volume","value":"loud"}`, "invalid value", "not applied"},
		{"bad source", `{"action":"set_source","value":"tape"}`, "unknown source", "not applied"},
		{"power on", `{"action":"turn_on"}`, "not possible", "not applied"},
		{"not json", `volume up`, "invalid command", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := send(t, conn, tt.cmd)
			assert.False(t, r.OK)
			assert.Contains(t, r.Error, tt.errPart)
			assert.Equal(t, tt.outcome, r.Outcome)
		})
	}
}

func TestActions(t *testing.T) {
	names := Actions()
	assert.Contains(t, names, "set_volume")
	assert.Contains(t, names, "turn_off")
	assert.IsIncreasing(t, names)
}

func TestEncodeValue(t *testing.T) {
	assert.Equal(t, "optical", encodeValue(protocol.SourceOptical))
	assert.Equal(t, "60m", encodeValue(protocol.Standby60Min))
	assert.Equal(t, 0.5, encodeValue(0.5))
	assert.Nil(t, encodeValue(nil))

	mode, ok := encodeValue(protocol.DSPMode{WallMode: true, BassExtension: protocol.BassLess}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, mode["wall_mode"])
	assert.Equal(t, "less", mode["bass_extension"])
}

func TestServeClosesClientsOnShutdown(t *testing.T) {
	spk, _ := newTestSpeaker(t)
	b := New(spk, Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 0, b.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
