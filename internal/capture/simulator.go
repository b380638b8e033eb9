package capture

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/frawau/endurance-go-kart/internal/monitoring"
	"github.com/frawau/endurance-go-kart/internal/timeutil"
	"github.com/frawau/endurance-go-kart/internal/timing"
)

// SimulatorConfig configures the synthetic crossing generator.
type SimulatorConfig struct {
	NumTransponders int      `koanf:"num_transponders"`
	LapTimeMin      float64  `koanf:"lap_time_min"` // seconds
	LapTimeMax      float64  `koanf:"lap_time_max"`
	LapTimeVariance float64  `koanf:"lap_time_variance"`
	TransponderIDs  []string `koanf:"transponder_ids"` // overrides generated ids
	SimSpeed        float64  `koanf:"sim_speed"`       // 1.0 = real time
}

// DefaultSimulatorConfig returns a ten-kart field at 10x speed.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		NumTransponders: 10,
		LapTimeMin:      45.0,
		LapTimeMax:      75.0,
		LapTimeVariance: 5.0,
		SimSpeed:        10.0,
	}
}

type simState struct {
	cumulative float64 // race seconds at this transponder's last crossing
	baseLap    float64
}

// SimulatorPlugin produces crossings for a virtual field of karts. The raw
// clock values follow the configured timing mode, so downstream consumers
// cannot tell it from real hardware.
type SimulatorPlugin struct {
	cfg      SimulatorConfig
	mode     timing.Mode
	rollover float64
	clock    timeutil.Clock
	rng      *rand.Rand
	handler  Handler

	mu        sync.Mutex
	connected bool
	reading   bool
	stop      chan struct{}
	done      chan struct{}
	ids       []string
	states    map[string]*simState
	raceTime  float64
	todOffset float64
}

// NewSimulatorPlugin creates a simulator for the given timing mode.
func NewSimulatorPlugin(cfg SimulatorConfig, mode timing.Mode, rolloverSeconds float64) *SimulatorPlugin {
	if cfg.SimSpeed <= 0 {
		cfg.SimSpeed = 1.0
	}
	return &SimulatorPlugin{
		cfg:      cfg,
		mode:     mode,
		rollover: rolloverSeconds,
		clock:    timeutil.RealClock{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the wall clock, for tests.
func (p *SimulatorPlugin) SetClock(c timeutil.Clock) { p.clock = c }

func (p *SimulatorPlugin) SetHandler(h Handler) { p.handler = h }

func (p *SimulatorPlugin) Connect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.cfg.TransponderIDs) > 0 {
		p.ids = append([]string(nil), p.cfg.TransponderIDs...)
	} else {
		p.ids = make([]string, p.cfg.NumTransponders)
		for i := range p.ids {
			p.ids[i] = fmt.Sprintf("%06d", 100000+i)
		}
	}

	p.states = make(map[string]*simState, len(p.ids))
	for _, id := range p.ids {
		p.states[id] = &simState{
			baseLap: p.cfg.LapTimeMin + p.rng.Float64()*(p.cfg.LapTimeMax-p.cfg.LapTimeMin),
		}
	}

	now := p.clock.Now()
	p.todOffset = float64(now.Hour()*3600 + now.Minute()*60 + now.Second())

	p.connected = true
	monitoring.Logf("simulator plugin: connected with %d transponders (timing_mode=%s)", len(p.ids), p.mode)
	return true
}

func (p *SimulatorPlugin) Disconnect() {
	p.StopReading()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = nil
	p.states = nil
	p.connected = false
	monitoring.Logf("simulator plugin: disconnected")
}

func (p *SimulatorPlugin) StartReading() {
	p.mu.Lock()
	if !p.connected || p.reading {
		p.mu.Unlock()
		return
	}
	p.reading = true
	p.raceTime = 0
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go p.simulate(stop, done)
	monitoring.Logf("simulator plugin: started simulating")
}

func (p *SimulatorPlugin) StopReading() {
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
	monitoring.Logf("simulator plugin: stopped simulating")
}

// simulate runs a rolling start, then repeatedly emits whichever kart
// crosses the line next.
func (p *SimulatorPlugin) simulate(stop, done chan struct{}) {
	defer close(done)

	p.mu.Lock()
	// Rolling start: karts reach the line staggered within the first
	// ten seconds.
	for _, id := range p.ids {
		p.states[id].cumulative = p.rng.Float64() * 10
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		var nextID string
		nextCrossing := 0.0
		for _, id := range p.ids {
			st := p.states[id]
			variance := (p.rng.Float64()*2 - 1) * p.cfg.LapTimeVariance
			t := st.cumulative + st.baseLap + variance
			if nextID == "" || t < nextCrossing {
				nextID = id
				nextCrossing = t
			}
		}
		if nextID == "" {
			p.mu.Unlock()
			return
		}
		wait := nextCrossing - p.raceTime
		p.mu.Unlock()

		if wait > 0 {
			select {
			case <-stop:
				return
			case <-p.clock.After(time.Duration(wait / p.cfg.SimSpeed * float64(time.Second))):
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}

		p.mu.Lock()
		p.raceTime = nextCrossing
		st := p.states[nextID]
		lap := nextCrossing - st.cumulative
		st.cumulative = nextCrossing
		raw := timing.EncodeRaw(p.mode, nextCrossing, lap, p.todOffset, p.rollover)
		signal := 80 + p.rng.Intn(21)
		p.mu.Unlock()

		if p.handler != nil {
			p.handler(CrossingEvent{
				TransponderID:  nextID,
				Timestamp:      p.clock.Now(),
				RawTime:        raw,
				SignalStrength: signal,
			})
		}
	}
}

func (p *SimulatorPlugin) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"plugin_type":      "simulator",
		"connected":        p.connected,
		"reading":          p.reading,
		"num_transponders": len(p.ids),
		"race_time":        p.raceTime,
		"timing_mode":      string(p.mode),
	}
}
