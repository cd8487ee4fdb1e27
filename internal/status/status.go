// Package status provides a thread-safe status tracker for the channel-manager daemon.
// It is read by HTTP handlers, the websocket feed and heartbeat events.
package status

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/manager"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	SampleMs    int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Simulated   bool
}

// ManagerState is the channel manager's externally visible state.
type ManagerState struct {
	State              manager.State
	CurrentChannel     uint8
	RequestedChannel   uint8
	AttemptID          uuid.UUID
	Supported          channel.Mask
	Favored            channel.Mask
	DelaySec           uint16
	AutoSelect         bool
	AutoSelectInterval uint32 // seconds
	CCAFailureRate     manager.Occupancy
	SampleCount        uint32
}

// FromManager captures the state of m and its collaborators. It must run on
// the goroutine that owns m.
func FromManager(m *manager.Manager, radio manager.Radio, quality manager.QualitySource) ManagerState {
	ms := ManagerState{
		State:              m.State(),
		CurrentChannel:     radio.CurrentChannel(),
		Supported:          m.SupportedChannels(),
		Favored:            m.FavoredChannels(),
		DelaySec:           m.Delay(),
		AutoSelect:         m.AutoChannelSelectionEnabled(),
		AutoSelectInterval: m.AutoChannelSelectionInterval(),
		CCAFailureRate:     radio.CCAFailureRate(),
		SampleCount:        quality.SampleCount(),
	}
	if ms.State != manager.StateIdle {
		ms.RequestedChannel = m.RequestedChannel()
		ms.AttemptID = m.AttemptID()
	}
	return ms
}

// Counts tallies manager events by type.
type Counts struct {
	Requests      int
	Attempts      int
	Retries       int
	Changes       int
	Failures      int
	Rejections    int
	Supersessions int
	Selections    int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Manager       ManagerState
	Counts        Counts
	LastEvent     *manager.Event
	LastSelection string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[chan struct{}]struct{}
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		subs: make(map[chan struct{}]struct{}),
	}
}

// UpdateManager replaces the manager state.
func (t *Tracker) UpdateManager(ms ManagerState) {
	t.mu.Lock()
	changed := t.snap.Manager != ms
	t.snap.Manager = ms
	t.mu.Unlock()
	if changed {
		t.broadcast()
	}
}

// Notify records a manager event. It implements manager.Notifier.
func (t *Tracker) Notify(e manager.Event) {
	t.mu.Lock()
	switch e.Type {
	case manager.EventChangeRequested:
		t.snap.Counts.Requests++
	case manager.EventChangeStarted:
		t.snap.Counts.Attempts++
	case manager.EventChangeRetry:
		t.snap.Counts.Retries++
	case manager.EventChannelChanged:
		t.snap.Counts.Changes++
	case manager.EventChangeFailed:
		t.snap.Counts.Failures++
	case manager.EventChangeRejected:
		t.snap.Counts.Rejections++
	case manager.EventChangeSuperseded:
		t.snap.Counts.Supersessions++
	case manager.EventSelection:
		t.snap.Counts.Selections++
		t.snap.LastSelection = e.Reason
	}
	t.snap.LastEvent = &e
	t.mu.Unlock()
	t.broadcast()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.LastEvent != nil {
		e := *s.LastEvent
		s.LastEvent = &e
	}
	s.Now = time.Now()
	return s
}

// Subscribe returns a channel that receives a signal whenever the manager
// state changes or an event is recorded. Signals coalesce: a slow reader
// sees at least one signal after the latest change. Call cancel to
// unsubscribe.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

func (t *Tracker) broadcast() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
