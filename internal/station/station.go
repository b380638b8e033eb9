// Package station implements the trackside daemon: it wires a capture
// plugin to the durable buffer and maintains the authenticated uplink to the
// scoring service, replaying unacknowledged crossings after every reconnect.
package station

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frawau/endurance-go-kart/internal/buffer"
	"github.com/frawau/endurance-go-kart/internal/capture"
	"github.com/frawau/endurance-go-kart/internal/config"
	"github.com/frawau/endurance-go-kart/internal/metrics"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
	"github.com/frawau/endurance-go-kart/internal/timeutil"
	"github.com/frawau/endurance-go-kart/internal/wire"
)

// Station orchestrates one capture plugin, one buffer, and one uplink.
type Station struct {
	cfg    *config.Station
	plugin capture.Plugin
	buf    *buffer.Buffer
	codec  *wire.Codec
	clock  timeutil.Clock

	mu   sync.Mutex // guards conn and socket writes
	conn *websocket.Conn
}

// New creates a station daemon. The plugin's crossing handler is installed
// here; callers must not set their own.
func New(cfg *config.Station, plugin capture.Plugin, buf *buffer.Buffer) *Station {
	s := &Station{
		cfg:    cfg,
		plugin: plugin,
		buf:    buf,
		codec:  wire.NewCodec(cfg.Secret),
		clock:  timeutil.RealClock{},
	}
	plugin.SetHandler(s.handleCrossing)
	return s
}

// SetClock overrides the wall clock, for tests.
func (s *Station) SetClock(c timeutil.Clock) { s.clock = c }

// Run connects the plugin and starts reading, then runs the uplink loop and
// the buffer cleanup loop until ctx is cancelled. Capture runs regardless of
// network state; only a plugin connect failure is fatal.
func (s *Station) Run(ctx context.Context) error {
	if !s.plugin.Connect() {
		return fmt.Errorf("capture plugin failed to connect")
	}
	s.plugin.StartReading()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.uplinkLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cleanupLoop(ctx)
	}()
	if s.cfg.AdminAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveAdmin(ctx, s.cfg.AdminAddr)
		}()
	}
	wg.Wait()

	// Shutdown is the reverse of startup: stop reading, release the
	// hardware, drop the socket, then close the buffer.
	s.plugin.StopReading()
	s.plugin.Disconnect()
	s.closeConn()
	if err := s.buf.Close(); err != nil {
		monitoring.Logf("station: failed to close buffer: %v", err)
	}
	return nil
}

// handleCrossing persists the event before any transmission, then sends it
// best-effort. A store failure kills this capture path without a send.
func (s *Station) handleCrossing(ev capture.CrossingEvent) {
	metrics.CrossingsCaptured.Inc()

	msg := wire.NewMessage(wire.TypeLapCrossing)
	msg.Set("transponder_id", ev.TransponderID)
	msg.Set("timestamp", ev.Timestamp.UTC().Format(time.RFC3339Nano))
	msg.Set("raw_time", ev.RawTime)
	msg.Set("signal_strength", ev.SignalStrength)

	payload, err := msg.Marshal()
	if err != nil {
		monitoring.Logf("station: failed to serialize crossing: %v", err)
		return
	}

	id, err := s.buf.Store(payload)
	if err != nil {
		monitoring.Logf("station: failed to buffer crossing, not sending: %v", err)
		return
	}

	if err := s.sendBuffered(id, payload); err != nil {
		// The event stays pending in the buffer; it will be replayed
		// on the next (re)connect.
		monitoring.Logf("station: send failed, crossing %s stays buffered: %v", id, err)
	}
}

// sendBuffered attaches the buffer message id to a stored payload, signs it,
// and writes it to the socket if one is up.
func (s *Station) sendBuffered(messageID string, payload []byte) error {
	msg, err := wire.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("corrupt buffered payload: %w", err)
	}
	msg.Set("message_id", messageID)
	return s.writeSigned(msg)
}

// writeSigned signs and sends an envelope. It is a no-op error when the
// uplink is down.
func (s *Station) writeSigned(msg *wire.Message) error {
	raw, err := s.codec.Sign(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// SendWarning forwards an operator-visible warning to the scoring service.
func (s *Station) SendWarning(message string) {
	msg := wire.NewMessage(wire.TypeWarning)
	msg.Set("message", message)
	if err := s.writeSigned(msg); err != nil {
		monitoring.Logf("station: failed to send warning: %v", err)
	}
}

func (s *Station) uplinkLoop(ctx context.Context) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := dialer.DialContext(ctx, s.cfg.ServerURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.Reconnects.Inc()
			monitoring.Logf("station: failed to connect to %s: %v (retrying in %ds)",
				s.cfg.ServerURL, err, s.cfg.ReconnectSeconds)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(time.Duration(s.cfg.ReconnectSeconds) * time.Second):
			}
			continue
		}

		monitoring.Logf("station: connected to %s", s.cfg.ServerURL)
		s.setConn(conn)

		if err := s.serveConn(ctx, conn); err != nil && ctx.Err() == nil {
			monitoring.Logf("station: connection lost: %v", err)
		}
		s.closeConn()

		if ctx.Err() != nil {
			return
		}
		metrics.Reconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(time.Duration(s.cfg.ReconnectSeconds) * time.Second):
		}
	}
}

// serveConn runs one connection: handshake, replay of everything pending,
// then the inbound dispatch loop until the socket breaks or ctx ends.
func (s *Station) serveConn(ctx context.Context, conn *websocket.Conn) error {
	if err := s.sendHandshake(); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if err := s.replayUnacked(); err != nil {
		return err
	}

	// Unblock the read on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleIncoming(raw)
	}
}

func (s *Station) sendHandshake() error {
	status := s.plugin.Status()
	pluginType, _ := status["plugin_type"].(string)

	msg := wire.NewMessage(wire.TypeConnected)
	msg.Set("plugin_type", pluginType)
	msg.Set("timing_mode", s.cfg.TimingMode)
	msg.Set("rollover_seconds", s.cfg.RolloverSeconds)
	msg.Set("timestamp", s.clock.Now().UTC().Format(time.RFC3339Nano))
	return s.writeSigned(msg)
}

// replayUnacked resends every pending buffered crossing in creation order.
func (s *Station) replayUnacked() error {
	pending, err := s.buf.Unacked()
	if err != nil {
		return fmt.Errorf("failed to load pending crossings: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	monitoring.Logf("station: replaying %d unacknowledged crossings", len(pending))
	for _, m := range pending {
		if err := s.sendBuffered(m.MessageID, m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// handleIncoming dispatches one verified message from the scoring service.
// Bad signatures and unknown types are dropped, never fatal.
func (s *Station) handleIncoming(raw []byte) {
	msg, err := s.codec.Verify(raw)
	if err != nil {
		metrics.SignatureFailures.Inc()
		monitoring.Logf("station: dropping message: %v", err)
		return
	}

	switch msg.Type() {
	case wire.TypeAck:
		id, ok := msg.GetString("message_id")
		if !ok {
			monitoring.Logf("station: ack without message_id")
			return
		}
		s.buf.Ack(id)
	case wire.TypeCommand:
		cmd, _ := msg.GetString("command")
		if cmd == "get_status" {
			s.sendStatus()
		} else {
			monitoring.Logf("station: unknown command %q", cmd)
		}
	default:
		monitoring.Logf("station: unexpected message type %q", msg.Type())
	}
}

// sendStatus answers get_status with plugin status merged with buffer stats.
func (s *Station) sendStatus() {
	status := s.plugin.Status()
	if stats, err := s.buf.Stats(); err == nil {
		status["total_messages"] = stats.Total
		status["acked_messages"] = stats.Acked
		status["pending_messages"] = stats.Pending
	}

	msg := wire.NewMessage(wire.TypeResponse)
	msg.Set("response", "status")
	msg.Set("status", status)
	if err := s.writeSigned(msg); err != nil {
		monitoring.Logf("station: failed to send status: %v", err)
	}
}

func (s *Station) cleanupLoop(ctx context.Context) {
	period := time.Duration(s.cfg.CleanupMinutes) * time.Minute
	retention := time.Duration(s.cfg.RetentionHours) * time.Hour
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := s.buf.Cleanup(retention)
			if err != nil {
				monitoring.Logf("station: buffer cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				monitoring.Logf("station: purged %d acknowledged crossings", n)
			}
		}
	}
}

func (s *Station) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Station) closeConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}
