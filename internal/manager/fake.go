package manager

import (
	"time"

	"github.com/sweeney/channel-manager/internal/channel"
)

// FakeTimer is a manually driven Timer for tests. Nothing fires on its own:
// call Fire or Advance, then Manager.HandleTimer when they report expiry.
type FakeTimer struct {
	now      time.Time
	running  bool
	start    time.Time
	fireTime time.Time
	// Durations records every d passed to Start or StartAt.
	Durations []time.Duration
	// Stops counts calls to Stop.
	Stops int
}

// NewFakeTimer creates a stopped FakeTimer whose clock reads now.
func NewFakeTimer(now time.Time) *FakeTimer {
	return &FakeTimer{now: now}
}

// Now returns the fake clock.
func (t *FakeTimer) Now() time.Time { return t.now }

// Start schedules a fire d from now.
func (t *FakeTimer) Start(d time.Duration) { t.StartAt(t.now, d) }

// StartAt schedules a fire at start+d.
func (t *FakeTimer) StartAt(start time.Time, d time.Duration) {
	t.running = true
	t.start = start
	t.fireTime = start.Add(d)
	t.Durations = append(t.Durations, d)
}

// Stop cancels the schedule.
func (t *FakeTimer) Stop() {
	t.running = false
	t.Stops++
}

// IsRunning reports whether a fire is scheduled.
func (t *FakeTimer) IsRunning() bool { return t.running }

// FireTime returns the scheduled fire time.
func (t *FakeTimer) FireTime() time.Time { return t.fireTime }

// StartTime returns the start point of the current schedule.
func (t *FakeTimer) StartTime() time.Time { return t.start }

// LastDuration returns the most recent scheduled duration, or 0.
func (t *FakeTimer) LastDuration() time.Duration {
	if len(t.Durations) == 0 {
		return 0
	}
	return t.Durations[len(t.Durations)-1]
}

// Advance moves the clock forward by d. It returns true if the timer expired
// on the way, in which case the clock stops at the fire time.
func (t *FakeTimer) Advance(d time.Duration) bool {
	target := t.now.Add(d)
	if t.running && !t.fireTime.After(target) {
		if t.fireTime.After(t.now) {
			t.now = t.fireTime
		}
		t.running = false
		return true
	}
	t.now = target
	return false
}

// Fire jumps the clock to the fire time and expires the timer.
// Returns false if the timer was not running.
func (t *FakeTimer) Fire() bool {
	if !t.running {
		return false
	}
	if t.fireTime.After(t.now) {
		t.now = t.fireTime
	}
	t.running = false
	return true
}

// FakeRadio is a Radio with settable fields.
type FakeRadio struct {
	Channel   uint8
	Supported channel.Mask
	CCARate   Occupancy
	Disabled  bool
}

// NewFakeRadio creates a radio on ch supporting channels 11-26.
func NewFakeRadio(ch uint8) *FakeRadio {
	return &FakeRadio{Channel: ch, Supported: channel.All}
}

func (r *FakeRadio) CurrentChannel() uint8 { return r.Channel }
func (r *FakeRadio) SupportedChannels() channel.Mask { return r.Supported }
func (r *FakeRadio) CCAFailureRate() Occupancy { return r.CCARate }
func (r *FakeRadio) RoleDisabled() bool { return r.Disabled }

// FakeQualitySource returns scripted occupancy. Channels missing from
// Occupancies read as 0xffff.
type FakeQualitySource struct {
	Samples     uint32
	Occupancies map[uint8]Occupancy
}

// NewFakeQualitySource creates a source with the given sample count.
func NewFakeQualitySource(samples uint32) *FakeQualitySource {
	return &FakeQualitySource{Samples: samples, Occupancies: make(map[uint8]Occupancy)}
}

func (q *FakeQualitySource) SampleCount() uint32 { return q.Samples }

func (q *FakeQualitySource) BestChannels(mask channel.Mask) (channel.Mask, Occupancy) {
	return LowestOccupancy(mask, q.Occupancy)
}

func (q *FakeQualitySource) Occupancy(ch uint8) Occupancy {
	occ, ok := q.Occupancies[ch]
	if !ok {
		return 0xffff
	}
	return occ
}

// FakeProtocol records submissions and lets tests complete them.
type FakeProtocol struct {
	// Results are returned by successive Submit calls; the last one repeats.
	// Empty means every Submit is accepted.
	Results []SubmitResult
	// Requests records every submission.
	Requests []ChangeRequest
	// Cancels counts calls to Cancel.
	Cancels int

	calls int
	done  func(DoneResult)
}

// NewFakeProtocol creates a protocol that returns results in order.
func NewFakeProtocol(results ...SubmitResult) *FakeProtocol {
	return &FakeProtocol{Results: results}
}

// Submit records req and returns the next scripted result.
func (p *FakeProtocol) Submit(req ChangeRequest, done func(DoneResult)) SubmitResult {
	p.Requests = append(p.Requests, req)
	result := SubmitAccepted
	if len(p.Results) > 0 {
		i := p.calls
		if i >= len(p.Results) {
			i = len(p.Results) - 1
		}
		result = p.Results[i]
	}
	p.calls++
	if result == SubmitAccepted {
		p.done = done
	}
	return result
}

// Cancel forgets the pending completion.
func (p *FakeProtocol) Cancel() {
	p.Cancels++
	p.done = nil
}

// Pending reports whether an accepted submission awaits completion.
func (p *FakeProtocol) Pending() bool { return p.done != nil }

// Complete invokes the pending completion with r.
// Returns false if nothing is pending.
func (p *FakeProtocol) Complete(r DoneResult) bool {
	done := p.done
	if done == nil {
		return false
	}
	p.done = nil
	done(r)
	return true
}

// FakeRand returns scripted values from IntN, cycling; values are clamped
// to n-1. With no values it always returns 0.
type FakeRand struct {
	Values []int
	i      int
}

// IntN returns the next scripted value.
func (r *FakeRand) IntN(n int) int {
	if len(r.Values) == 0 {
		return 0
	}
	v := r.Values[r.i%len(r.Values)]
	r.i++
	if v >= n {
		v = n - 1
	}
	return v
}

// RecordingNotifier records every event it receives.
type RecordingNotifier struct {
	Events []Event
}

// Notify records e.
func (n *RecordingNotifier) Notify(e Event) {
	n.Events = append(n.Events, e)
}

// OfType returns the recorded events of type t.
func (n *RecordingNotifier) OfType(t EventType) []Event {
	var out []Event
	for _, e := range n.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded events.
func (n *RecordingNotifier) Reset() {
	n.Events = nil
}
