// Package connectivity tracks online/offline state and a bandwidth hint and
// notifies subscribers of changes. It holds no policy of its own.
package connectivity

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_connectivity_online",
		Help: "1 when the upstream is considered reachable, 0 otherwise",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_connectivity_transitions_total",
		Help: "Total connectivity state changes by new state",
	}, []string{"state"})

	droppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_connectivity_dropped_events_total",
		Help: "Total events dropped because a subscriber was not keeping up",
	})
)

// Bandwidth is a coarse hint about link quality.
type Bandwidth string

const (
	// BandwidthUnknown is the initial hint.
	BandwidthUnknown Bandwidth = "unknown"

	// BandwidthConstrained signals a slow or metered link.
	BandwidthConstrained Bandwidth = "constrained"

	// BandwidthNormal signals an unconstrained link.
	BandwidthNormal Bandwidth = "normal"
)

// ParseBandwidth converts a string to a Bandwidth.
func ParseBandwidth(s string) (Bandwidth, error) {
	switch b := Bandwidth(s); b {
	case BandwidthUnknown, BandwidthConstrained, BandwidthNormal:
		return b, nil
	case "":
		return BandwidthUnknown, nil
	}
	return "", fmt.Errorf("unknown bandwidth hint %q", s)
}

// State is a snapshot of connectivity.
type State struct {
	Online    bool      `json:"online"`
	Bandwidth Bandwidth `json:"bandwidth"`
	ChangedAt time.Time `json:"changed_at"`
}

// Event describes a state change.
type Event struct {
	Previous State
	Current  State
}

// Restored reports whether the event is an offline to online transition.
func (e Event) Restored() bool {
	return !e.Previous.Online && e.Current.Online
}

// Lost reports whether the event is an online to offline transition.
func (e Event) Lost() bool {
	return e.Previous.Online && !e.Current.Online
}

// Monitor holds the current connectivity state. The zero value is not
// usable; create one with NewMonitor.
type Monitor struct {
	mu     sync.RWMutex
	state  State
	subs   map[int]chan Event
	nextID int
	logger zerolog.Logger
}

// NewMonitor creates a monitor with the given initial online state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{
		state: State{
			Online:    online,
			Bandwidth: BandwidthUnknown,
			ChangedAt: time.Now(),
		},
		subs:   make(map[int]chan Event),
		logger: logging.NewLogger("connectivity"),
	}
	setOnlineGauge(online)
	return m
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the upstream is considered reachable.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Bandwidth returns the current bandwidth hint.
func (m *Monitor) Bandwidth() Bandwidth {
	return m.State().Bandwidth
}

// SetOnline records the online state and notifies subscribers on change.
func (m *Monitor) SetOnline(online bool) {
	m.update(func(s *State) { s.Online = online })
}

// SetBandwidth records the bandwidth hint and notifies subscribers on change.
func (m *Monitor) SetBandwidth(b Bandwidth) {
	m.update(func(s *State) { s.Bandwidth = b })
}

// Set records both values at once, emitting at most one event.
func (m *Monitor) Set(online bool, b Bandwidth) {
	m.update(func(s *State) {
		s.Online = online
		s.Bandwidth = b
	})
}

func (m *Monitor) update(fn func(*State)) {
	m.mu.Lock()
	prev := m.state
	next := prev
	fn(&next)
	if next.Online == prev.Online && next.Bandwidth == prev.Bandwidth {
		m.mu.Unlock()
		return
	}
	next.ChangedAt = time.Now()
	m.state = next

	ev := Event{Previous: prev, Current: next}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			droppedEventsTotal.Inc()
		}
	}
	m.mu.Unlock()

	if next.Online != prev.Online {
		setOnlineGauge(next.Online)
		state := "offline"
		if next.Online {
			state = "online"
		}
		transitionsTotal.WithLabelValues(state).Inc()
	}

	m.logger.Info().
		Bool("online", next.Online).
		Str("bandwidth", string(next.Bandwidth)).
		Msg("Connectivity changed")
}

// Subscribe returns a channel receiving every subsequent change and a
// function that cancels the subscription. Events are delivered without
// blocking the publisher; a subscriber whose buffer is full misses events.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func setOnlineGauge(online bool) {
	if online {
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}
}
