// Package manager contains the channel manager: the state machine that
// decides when and to which channel a mesh network should move, and drives
// that change through the network-wide dataset update protocol.
//
// This package has NO I/O of its own. Time, randomness, radio state, channel
// quality and the update protocol are all injected, and every entry point
// must be invoked from a single goroutine (see internal/loop).
package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/channel-manager/internal/channel"
)

// State is the channel manager state.
//
//	IDLE               -> CHANGE_REQUESTED   (RequestChannelChange)
//	CHANGE_REQUESTED   -> CHANGE_IN_PROGRESS (update accepted)
//	CHANGE_REQUESTED   -> IDLE               (update rejected)
//	CHANGE_IN_PROGRESS -> IDLE               (update done, any result)
//	CHANGE_IN_PROGRESS -> CHANGE_REQUESTED   (superseded by a request for another channel)
type State string

const (
	StateIdle             State = "IDLE"
	StateChangeRequested  State = "CHANGE_REQUESTED"
	StateChangeInProgress State = "CHANGE_IN_PROGRESS"
)

// Occupancy is a channel congestion score. 0 is a free channel, 0xffff is
// a channel that was busy on every sample. CCA failure rates use the same scale.
type Occupancy uint16

func (o Occupancy) String() string {
	return fmt.Sprintf("0x%04x", uint16(o))
}

// SubmitResult is the synchronous outcome of submitting a change request.
type SubmitResult int

const (
	SubmitAccepted SubmitResult = iota
	SubmitBusy
	SubmitNoResources
	SubmitDisabled
	SubmitFailed
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitAccepted:
		return "accepted"
	case SubmitBusy:
		return "busy"
	case SubmitNoResources:
		return "no-resources"
	case SubmitDisabled:
		return "disabled"
	default:
		return "failed"
	}
}

// DoneResult is the final outcome of an accepted change request.
type DoneResult int

const (
	DoneSuccess DoneResult = iota
	// DoneSuperseded means the network already holds a newer dataset.
	DoneSuperseded
	DoneFailed
)

func (r DoneResult) String() string {
	switch r {
	case DoneSuccess:
		return "success"
	case DoneSuperseded:
		return "superseded"
	default:
		return "failed"
	}
}

// ChangeRequest describes one attempt to move the network to a new channel.
type ChangeRequest struct {
	ID      uuid.UUID
	Channel uint8
	// Delay is how long the network waits before switching, network-wide.
	Delay time.Duration
	// CheckWait is how long the protocol waits before checking the change
	// propagated.
	CheckWait time.Duration
}

// QualitySource reports per-channel occupancy gathered by channel sampling.
type QualitySource interface {
	// SampleCount returns the number of samples taken so far.
	SampleCount() uint32
	// BestChannels returns the channels within mask sharing the lowest
	// occupancy, and that occupancy. An empty mask yields an empty result.
	BestChannels(mask channel.Mask) (channel.Mask, Occupancy)
	// Occupancy returns the occupancy of a single channel.
	Occupancy(ch uint8) Occupancy
}

// ChangeProtocol propagates a channel change to every device in the network.
type ChangeProtocol interface {
	// Submit starts an update. When it returns SubmitAccepted, done is called
	// at most once, on the manager's goroutine, unless Cancel is called first.
	Submit(req ChangeRequest, done func(DoneResult)) SubmitResult
	// Cancel abandons the pending update. done may never be called afterwards.
	Cancel()
}

// Radio exposes the MAC/radio state the manager depends on.
type Radio interface {
	CurrentChannel() uint8
	SupportedChannels() channel.Mask
	CCAFailureRate() Occupancy
	// RoleDisabled reports whether the mesh role is disabled on this device.
	RoleDisabled() bool
}

// Timer is the manager's single wake-up slot. Starting it replaces any
// previous schedule. On expiry the owner calls Manager.HandleTimer.
type Timer interface {
	Now() time.Time
	Start(d time.Duration)
	// StartAt schedules the fire time at start+d.
	StartAt(start time.Time, d time.Duration)
	Stop()
	IsRunning() bool
	FireTime() time.Time
}

// Notifier receives manager events.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans each event out to every element, in order.
type Notifiers []Notifier

// Notify calls Notify on each notifier.
func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		n.Notify(e)
	}
}

// EventType names a manager event.
type EventType string

const (
	// EventChangeRequested is signalled whenever a new target channel is set.
	EventChangeRequested  EventType = "CHANGE_REQUESTED"
	EventChangeSuperseded EventType = "CHANGE_SUPERSEDED"
	EventChangeStarted    EventType = "CHANGE_STARTED"
	EventChangeRetry      EventType = "CHANGE_RETRY"
	EventChangeRejected   EventType = "CHANGE_REJECTED"
	EventChannelChanged   EventType = "CHANNEL_CHANGED"
	EventChangeFailed     EventType = "CHANGE_FAILED"
	EventSelection        EventType = "SELECTION"
)

// Event describes a manager transition or decision.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     State
	Channel   uint8
	// AttemptID identifies the change request, when one is involved.
	AttemptID uuid.UUID
	Reason    string
}

// Thresholds holds the occupancy thresholds that gate channel selection.
type Thresholds struct {
	// CCAFailureRate at or above which a selection pass is worthwhile.
	CCAFailureRate Occupancy
	// SkipFavored is the occupancy margin needed to abandon favored channels.
	SkipFavored Occupancy
	// ChangeChannel is the improvement needed over the current channel.
	ChangeChannel Occupancy
	// MinSampleCount must be exceeded before occupancy data is trusted.
	MinSampleCount uint32
}

// Config holds the fixed parameters of a Manager.
type Config struct {
	MinDelay                  uint16        // seconds
	DefaultAutoSelectInterval uint32        // seconds
	RequestStartJitter        time.Duration // upper bound of the start jitter
	PendingDatasetRetry       time.Duration
	ChangeCheckWait           time.Duration
	MaxTimerDelay             time.Duration
	Thresholds                Thresholds
}

// DefaultConfig returns the standard channel manager parameters.
func DefaultConfig() Config {
	return Config{
		MinDelay:                  120,
		DefaultAutoSelectInterval: 3 * 60 * 60,
		RequestStartJitter:        10 * time.Second,
		PendingDatasetRetry:       20 * time.Second,
		ChangeCheckWait:           30 * time.Second,
		MaxTimerDelay:             (1<<31 - 1) * time.Millisecond,
		Thresholds: Thresholds{
			CCAFailureRate: 0xffff * 14 / 100,
			SkipFavored:    0xffff * 7 / 100,
			ChangeChannel:  0xffff * 10 / 100,
			MinSampleCount: 500,
		},
	}
}
