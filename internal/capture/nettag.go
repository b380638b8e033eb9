package capture

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/frawau/endurance-go-kart/internal/metrics"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
)

// ackToken is sent back to the decoder after every parsed frame so it
// advances to the next reading. The decoder resends until acknowledged.
// This token is the hardware handshake; it is unrelated to the station's
// at-least-once delivery protocol.
var ackToken = []byte{0x1b, 0x11}

// NetConfig configures the network decoder plugin.
type NetConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Protocol string `koanf:"protocol"` // udp or tcp
}

// DefaultNetConfig returns the conventional decoder network settings.
func DefaultNetConfig() NetConfig {
	return NetConfig{
		Host:     "192.168.0.11",
		Port:     2009,
		Protocol: "udp",
	}
}

// NetPlugin reads decoder frames over UDP or TCP. UDP listens locally for
// datagrams from the decoder; TCP dials the decoder directly.
type NetPlugin struct {
	cfg     NetConfig
	handler Handler

	mu        sync.Mutex
	udpConn   *net.UDPConn
	tcpConn   net.Conn
	connected bool
	reading   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewNetPlugin creates a network plugin from config.
func NewNetPlugin(cfg NetConfig) *NetPlugin {
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	return &NetPlugin{cfg: cfg}
}

func (p *NetPlugin) SetHandler(h Handler) { p.handler = h }

func (p *NetPlugin) Connect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return true
	}

	switch p.cfg.Protocol {
	case "tcp":
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port), 10*time.Second)
		if err != nil {
			monitoring.Logf("net plugin: failed to connect tcp %s:%d: %v", p.cfg.Host, p.cfg.Port, err)
			return false
		}
		p.tcpConn = conn
	default:
		addr := &net.UDPAddr{IP: net.IPv4zero, Port: p.cfg.Port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			monitoring.Logf("net plugin: failed to listen udp :%d: %v", p.cfg.Port, err)
			return false
		}
		p.udpConn = conn
	}

	p.connected = true
	monitoring.Logf("net plugin: connected via %s to %s:%d", p.cfg.Protocol, p.cfg.Host, p.cfg.Port)
	return true
}

// LocalAddr reports the bound UDP address, or nil when not listening.
func (p *NetPlugin) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.udpConn == nil {
		return nil
	}
	return p.udpConn.LocalAddr()
}

func (p *NetPlugin) Disconnect() {
	p.StopReading()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.udpConn != nil {
		p.udpConn.Close()
		p.udpConn = nil
	}
	if p.tcpConn != nil {
		p.tcpConn.Close()
		p.tcpConn = nil
	}
	p.connected = false
	monitoring.Logf("net plugin: disconnected")
}

func (p *NetPlugin) StartReading() {
	p.mu.Lock()
	if !p.connected || p.reading {
		p.mu.Unlock()
		return
	}
	p.reading = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	udp, tcp := p.udpConn, p.tcpConn
	p.mu.Unlock()

	if tcp != nil {
		go p.readTCP(tcp, stop, done)
	} else {
		go p.readUDP(udp, stop, done)
	}
	monitoring.Logf("net plugin: started reading")
}

func (p *NetPlugin) StopReading() {
	p.mu.Lock()
	if !p.reading {
		p.mu.Unlock()
		return
	}
	p.reading = false
	close(p.stop)
	p.mu.Unlock()
	monitoring.Logf("net plugin: stopped reading")
}

func (p *NetPlugin) readUDP(conn *net.UDPConn, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1024)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		p.handleFrame(buf[:n], func() {
			if _, err := conn.WriteToUDP(ackToken, addr); err != nil {
				monitoring.Logf("net plugin: failed to send ack: %v", err)
			}
		})
	}
}

func (p *NetPlugin) readTCP(conn net.Conn, stop, done chan struct{}) {
	defer close(done)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(conn)
		for scan.Scan() {
			line := make([]byte, len(scan.Bytes()))
			copy(line, scan.Bytes())
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			p.handleFrame(line, func() {
				if _, err := conn.Write(ackToken); err != nil {
					monitoring.Logf("net plugin: failed to send ack: %v", err)
				}
			})
		}
	}
}

// handleFrame parses one frame and, when valid, acks the decoder before
// invoking the crossing handler.
func (p *NetPlugin) handleFrame(data []byte, ack func()) {
	if len(data) == 0 || data[0] != '<' {
		return
	}
	id, raw, ok := ParseFrame(data)
	if !ok {
		metrics.FramesDiscarded.Inc()
		return
	}
	ack()
	if p.handler != nil {
		p.handler(CrossingEvent{
			TransponderID: id,
			Timestamp:     time.Now(),
			RawTime:       raw,
		})
	}
}

func (p *NetPlugin) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"plugin_type": "nettag",
		"connected":   p.connected,
		"reading":     p.reading,
		"host":        p.cfg.Host,
		"port":        p.cfg.Port,
		"protocol":    p.cfg.Protocol,
	}
}
