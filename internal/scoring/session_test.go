package scoring

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/endurance-go-kart/internal/config"
	"github.com/frawau/endurance-go-kart/internal/wire"
)

type wsFixture struct {
	t      *testing.T
	server *Server
	store  *Store
	conn   *websocket.Conn
	codec  *wire.Codec
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "scoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry(store)
	raceID, err := registry.CreateRace(1, RaceTypeMain, StartModeFirstCrossing)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterTransponder("111111", ""))
	require.NoError(t, registry.AssignTransponder(raceID, 1, "111111"))

	cfg := config.NewScoring()
	cfg.Secret = "test-secret"
	server := NewServer(cfg, store, registry)

	srv := httptest.NewServer(http.HandlerFunc(server.handleTimingWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsFixture{
		t:      t,
		server: server,
		store:  store,
		conn:   conn,
		codec:  wire.NewCodec("test-secret"),
	}
}

func (f *wsFixture) send(msg *wire.Message) {
	f.t.Helper()
	raw, err := f.codec.Sign(msg)
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, raw))
}

func (f *wsFixture) handshake(mode string) {
	f.t.Helper()
	msg := wire.NewMessage(wire.TypeConnected)
	msg.Set("plugin_type", "simulator")
	msg.Set("timing_mode", mode)
	msg.Set("rollover_seconds", 360000.0)
	msg.Set("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	f.send(msg)
}

func (f *wsFixture) sendCrossing(transponderID string, at time.Time, raw float64, messageID string) {
	f.t.Helper()
	msg := wire.NewMessage(wire.TypeLapCrossing)
	msg.Set("transponder_id", transponderID)
	msg.Set("timestamp", at.UTC().Format(time.RFC3339Nano))
	msg.Set("raw_time", raw)
	msg.Set("signal_strength", 90)
	if messageID != "" {
		msg.Set("message_id", messageID)
	}
	f.send(msg)
}

func (f *wsFixture) readAck() string {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := f.conn.ReadMessage()
	require.NoError(f.t, err)
	msg, err := f.codec.Verify(raw)
	require.NoError(f.t, err, "service reply must be signed")
	require.Equal(f.t, wire.TypeAck, msg.Type())
	id, ok := msg.GetString("message_id")
	require.True(f.t, ok)
	return id
}

func (f *wsFixture) crossingCount() int {
	f.t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var n int
	require.NoError(f.t, f.store.db.QueryRow(`SELECT COUNT(*) FROM lap_crossings`).Scan(&n))
	return n
}

func TestSessionCrossingAcked(t *testing.T) {
	f := newWSFixture(t)
	f.handshake("duration")

	now := time.Now()
	f.sendCrossing("111111", now, 100, "msg-1")
	assert.Equal(t, "msg-1", f.readAck())
	assert.Equal(t, 1, f.crossingCount())
}

func TestSessionSkippedCrossingStillAcked(t *testing.T) {
	f := newWSFixture(t)
	f.handshake("duration")

	// Unknown transponder: nothing recorded, but delivery is complete, so
	// the station still gets its ack.
	f.sendCrossing("999999", time.Now(), 100, "msg-unknown")
	assert.Equal(t, "msg-unknown", f.readAck())
	assert.Equal(t, 0, f.crossingCount())
}

func TestSessionIgnoresCrossingBeforeHandshake(t *testing.T) {
	f := newWSFixture(t)

	f.sendCrossing("111111", time.Now(), 100, "msg-early")

	// No ack, no record: the read must time out.
	f.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := f.conn.ReadMessage()
	assert.Error(t, err, "no reply expected before a handshake")
	assert.Equal(t, 0, f.crossingCount())
}

func TestSessionRejectsInvalidTimingMode(t *testing.T) {
	f := newWSFixture(t)
	f.handshake("warp_speed")

	// The handshake was rejected, so the session stays unconfigured and
	// crossings are still ignored.
	f.sendCrossing("111111", time.Now(), 100, "msg-1")
	f.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := f.conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, f.crossingCount())
}

func TestSessionDropsUnsignedMessages(t *testing.T) {
	f := newWSFixture(t)
	f.handshake("duration")

	msg := wire.NewMessage(wire.TypeLapCrossing)
	msg.Set("transponder_id", "111111")
	msg.Set("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	msg.Set("raw_time", 100.0)
	raw, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, raw))

	f.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = f.conn.ReadMessage()
	assert.Error(t, err, "unsigned crossing must be dropped without an ack")
	assert.Equal(t, 0, f.crossingCount())
}

func TestSessionPublishesTransponderDetected(t *testing.T) {
	f := newWSFixture(t)
	id, events := f.server.Hub().Subscribe()
	defer f.server.Hub().Unsubscribe(id)

	f.handshake("duration")
	f.sendCrossing("111111", time.Now(), 100, "msg-1")
	f.readAck()

	// The raw detection event precedes the lap_recorded event.
	select {
	case ev := <-events:
		assert.Equal(t, EventTransponderDetected, ev.Kind)
		assert.Equal(t, "111111", ev.TransponderID)
	case <-time.After(time.Second):
		t.Fatal("no transponder_detected event published")
	}
}
