package capture

import (
	"bufio"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/frawau/endurance-go-kart/internal/metrics"
	"github.com/frawau/endurance-go-kart/internal/monitoring"
)

// SerialConfig configures the serial decoder plugin.
type SerialConfig struct {
	Device   string `koanf:"device"`
	Baud     int    `koanf:"baud"`
	Parity   string `koanf:"parity"`   // N, E or O
	StopBits int    `koanf:"stopbits"` // 1 or 2
	Endian   string `koanf:"endian"`   // normal or bitrev
}

// DefaultSerialConfig returns the conventional decoder wiring.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Device:   "/dev/ttyUSB0",
		Baud:     9600,
		Parity:   "N",
		StopBits: 1,
		Endian:   "normal",
	}
}

// SerialPlugin reads decoder frames from a serial line.
type SerialPlugin struct {
	cfg     SerialConfig
	handler Handler

	mu        sync.Mutex
	port      serial.Port
	connected bool
	reading   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewSerialPlugin creates a serial plugin from config.
func NewSerialPlugin(cfg SerialConfig) *SerialPlugin {
	return &SerialPlugin{cfg: cfg}
}

func (p *SerialPlugin) SetHandler(h Handler) { p.handler = h }

func (p *SerialPlugin) serialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: p.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch p.cfg.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if p.cfg.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

func (p *SerialPlugin) Connect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return true
	}
	port, err := serial.Open(p.cfg.Device, p.serialMode())
	if err != nil {
		monitoring.Logf("serial plugin: failed to open %s: %v", p.cfg.Device, err)
		return false
	}
	p.port = port
	p.connected = true
	monitoring.Logf("serial plugin: connected to %s @ %d baud (endian=%s)", p.cfg.Device, p.cfg.Baud, p.cfg.Endian)
	return true
}

func (p *SerialPlugin) Disconnect() {
	p.StopReading()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		p.port.Close()
		p.port = nil
	}
	p.connected = false
	monitoring.Logf("serial plugin: disconnected")
}

func (p *SerialPlugin) StartReading() {
	p.mu.Lock()
	if !p.connected || p.reading {
		p.mu.Unlock()
		return
	}
	p.reading = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	port := p.port
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go p.readLoop(port, stop, done)
	monitoring.Logf("serial plugin: started reading")
}

func (p *SerialPlugin) StopReading() {
	p.mu.Lock()
	if !p.reading {
		p.mu.Unlock()
		return
	}
	p.reading = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	monitoring.Logf("serial plugin: stopped reading")
}

// readLoop scans frames off the line until stopped. A goroutine feeds lines
// through a channel so the blocking Scan never pins the select.
func (p *SerialPlugin) readLoop(port serial.Port, stop, done chan struct{}) {
	defer close(done)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(port)
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
			p.handleLine(line)
		}
	}
}

func (p *SerialPlugin) handleLine(line []byte) {
	if p.cfg.Endian == "bitrev" {
		line = bitReverse(line)
	}
	id, raw, ok := ParseFrame(line)
	if !ok {
		metrics.FramesDiscarded.Inc()
		return
	}
	if p.handler != nil {
		p.handler(CrossingEvent{
			TransponderID: id,
			Timestamp:     time.Now(),
			RawTime:       raw,
		})
	}
}

func (p *SerialPlugin) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"plugin_type": "serial",
		"connected":   p.connected,
		"reading":     p.reading,
		"device":      p.cfg.Device,
		"baud":        p.cfg.Baud,
	}
}
