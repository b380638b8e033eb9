package scoring

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frawau/endurance-go-kart/internal/metrics"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
	"github.com/frawau/endurance-go-kart/internal/timing"
	"github.com/frawau/endurance-go-kart/internal/wire"
)

// Session is one station connection. The timing mode and rollover declared
// in the handshake live here, not in process-wide state, so independent
// stations can connect concurrently.
type Session struct {
	conn      *websocket.Conn
	codec     *wire.Codec
	processor *Processor
	hub       *Hub

	writeMu   sync.Mutex
	connected bool
	mode      timing.Mode
	rollover  float64
}

// NewSession wraps an upgraded websocket connection.
func NewSession(conn *websocket.Conn, codec *wire.Codec, processor *Processor, hub *Hub) *Session {
	return &Session{
		conn:      conn,
		codec:     codec,
		processor: processor,
		hub:       hub,
		rollover:  timing.DefaultRolloverSeconds,
	}
}

// Run processes inbound messages strictly in arrival order until the
// connection drops. Per-message failures are logged, never fatal.
func (s *Session) Run() {
	monitoring.Logf("scoring: timing station connected from %s", s.conn.RemoteAddr())
	defer monitoring.Logf("scoring: timing station %s disconnected", s.conn.RemoteAddr())

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(raw)
	}
}

func (s *Session) handle(raw []byte) {
	msg, err := s.codec.Verify(raw)
	if err != nil {
		metrics.SignatureFailures.Inc()
		monitoring.Logf("scoring: rejecting message: %v", err)
		return
	}

	switch msg.Type() {
	case wire.TypeConnected:
		s.handleConnected(msg)
	case wire.TypeLapCrossing:
		s.handleLapCrossing(msg)
	case wire.TypeWarning:
		text, _ := msg.GetString("message")
		monitoring.Logf("scoring: station warning: %s", text)
	case wire.TypeResponse:
		resp, _ := msg.GetString("response")
		monitoring.Logf("scoring: station response: %s", resp)
	default:
		monitoring.Logf("scoring: unexpected message type %q", msg.Type())
	}
}

// handleConnected applies the handshake. An invalid timing mode rejects the
// handshake entirely: the session stays unconfigured and crossings keep
// being ignored.
func (s *Session) handleConnected(msg *wire.Message) {
	modeStr, _ := msg.GetString("timing_mode")
	if modeStr == "" {
		modeStr = string(timing.Duration)
	}
	mode, err := timing.ParseMode(modeStr)
	if err != nil {
		monitoring.Logf("scoring: rejecting handshake: %v", err)
		return
	}

	s.mode = mode
	if rollover, ok := msg.GetFloat("rollover_seconds"); ok {
		s.rollover = rollover
	}
	s.connected = true

	pluginType, _ := msg.GetString("plugin_type")
	monitoring.Logf("scoring: station handshake: plugin=%s mode=%s rollover=%.0f",
		pluginType, s.mode, s.rollover)
}

func (s *Session) handleLapCrossing(msg *wire.Message) {
	if !s.connected {
		monitoring.Logf("scoring: lap_crossing before handshake, ignoring")
		return
	}

	transponderID, _ := msg.GetString("transponder_id")
	timestampStr, _ := msg.GetString("timestamp")
	rawTime, _ := msg.GetFloat("raw_time")
	signal, _ := msg.GetInt("signal_strength")
	messageID, _ := msg.GetString("message_id")

	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		monitoring.Logf("scoring: bad crossing timestamp %q: %v", timestampStr, err)
		return
	}

	// Raw detection feed for scan listeners, before any resolution.
	s.hub.Publish(Event{
		Kind:          EventTransponderDetected,
		TransponderID: transponderID,
		Timestamp:     ts,
	})

	_, err = s.processor.Process(Crossing{
		TransponderID:  transponderID,
		Timestamp:      ts,
		RawTime:        rawTime,
		SignalStrength: signal,
		MessageID:      messageID,
	}, s.mode, s.rollover)
	if err != nil {
		monitoring.Logf("scoring: failed to process crossing: %v", err)
	}

	// The ack goes out even for deliberately skipped crossings: the
	// station's job is delivery, and delivered it has.
	if messageID != "" {
		s.sendAck(messageID)
	}
}

func (s *Session) sendAck(messageID string) {
	ack := wire.NewMessage(wire.TypeAck)
	ack.Set("message_id", messageID)
	raw, err := s.codec.Sign(ack)
	if err != nil {
		monitoring.Logf("scoring: failed to sign ack: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		monitoring.Logf("scoring: failed to send ack: %v", err)
	}
}

// SendCommand forwards a command (e.g. get_status) to the station.
func (s *Session) SendCommand(command string) error {
	msg := wire.NewMessage(wire.TypeCommand)
	msg.Set("command", command)
	raw, err := s.codec.Sign(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}
