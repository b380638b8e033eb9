package scoring

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

// EventKind classifies a fan-out event.
type EventKind string

const (
	EventLapRecorded         EventKind = "lap_recorded"
	EventRaceStarted         EventKind = "race_started"
	EventRaceFinished        EventKind = "race_finished"
	EventSuspiciousLap       EventKind = "suspicious_lap"
	EventGridViolation       EventKind = "grid_violation"
	EventTransponderDetected EventKind = "transponder_detected"
)

// Event is one processed-result notification published to subscribers.
// Fields beyond Kind are populated per kind; zero values mean not applicable.
type Event struct {
	Kind          EventKind      `json:"kind"`
	RaceID        int64          `json:"race_id,omitempty"`
	TeamID        int64          `json:"team_id,omitempty"`
	LapNumber     int            `json:"lap_number,omitempty"`
	LapTime       *float64       `json:"lap_time,omitempty"` // seconds
	Suspicious    bool           `json:"suspicious,omitempty"`
	TransponderID string         `json:"transponder_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp,omitempty"`
	RaceType      string         `json:"race_type,omitempty"`
	Violation     *GridViolation `json:"violation,omitempty"`
}

// GridViolation describes a lap-1 arrival order mismatch on a MAIN race.
type GridViolation struct {
	ExpectedPosition int `json:"expected_position"`
	ActualPosition   int `json:"actual_position"`
}

// Hub fans processed events out to any number of subscribers (leaderboard,
// race control, scan-detection UI). Publish never blocks: a subscriber that
// cannot keep up misses events rather than stalling the processor.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
}

// NewHub creates an empty fan-out hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new event channel. The returned id identifies the
// channel for Unsubscribe.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := randomID()
	ch := make(chan Event, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers an event to every subscriber that has room.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			// skip rather than block the processing path
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// AttachAdminRoutes mounts a live SSE tail of the event stream under /debug/.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		id, c := h.Subscribe()
		defer h.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case ev, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := io.WriteString(w, fmt.Sprintf("data: %s\n\n", payload)); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
