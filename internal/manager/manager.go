package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
)

// Deps are the collaborators a Manager is wired to.
type Deps struct {
	Radio    Radio
	Quality  QualitySource
	Protocol ChangeProtocol
	Timer    Timer
	Rand     channel.Rand
	// Notifier is optional.
	Notifier Notifier
	// Logger is optional; a nop logger is used when nil.
	Logger *zap.Logger
	// NewID is optional; uuid.New is used when nil.
	NewID func() uuid.UUID
}

// Manager owns channel change decisions for one device.
// It is not safe for concurrent use.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	radio    Radio
	quality  QualitySource
	protocol ChangeProtocol
	timer    Timer
	rand     channel.Rand
	notifier Notifier
	newID    func() uuid.UUID

	supported          channel.Mask
	favored            channel.Mask
	delay              uint16
	channel            uint8
	attemptID          uuid.UUID
	state              State
	autoSelectInterval uint32
	autoSelectEnabled  bool
}

// New creates an idle Manager with empty channel masks, the minimum delay and
// auto-select disabled.
func New(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:                cfg,
		log:                deps.Logger,
		radio:              deps.Radio,
		quality:            deps.Quality,
		protocol:           deps.Protocol,
		timer:              deps.Timer,
		rand:               deps.Rand,
		notifier:           deps.Notifier,
		newID:              deps.NewID,
		delay:              cfg.MinDelay,
		state:              StateIdle,
		autoSelectInterval: cfg.DefaultAutoSelectInterval,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.newID == nil {
		m.newID = uuid.New
	}
	return m
}

// Close stops the manager's timer. An update already handed to the protocol
// is left alone.
func (m *Manager) Close() {
	m.timer.Stop()
}

// RequestChannelChange asks the network to move to ch after the configured
// delay. The update starts after a short random jitter so devices receiving
// the same request do not all start it at once.
func (m *Manager) RequestChannelChange(ch uint8) {
	m.log.Info("request to change channel",
		zap.Uint8("channel", ch), zap.Uint16("delay_sec", m.delay))

	if ch == m.radio.CurrentChannel() {
		m.log.Info("already operating on the requested channel", zap.Uint8("channel", ch))
		return
	}

	if m.state == StateChangeInProgress {
		if m.channel == ch {
			return
		}
		m.protocol.Cancel()
		m.notify(EventChangeSuperseded, m.channel,
			fmt.Sprintf("superseded by request for channel %d", ch))
	}

	m.state = StateChangeRequested
	m.channel = ch
	m.attemptID = m.newID()

	m.timer.Start(m.startJitter())

	m.notify(EventChangeRequested, ch, "")
}

// startJitter returns a delay in [1ms, RequestStartJitter].
func (m *Manager) startJitter() time.Duration {
	span := int(m.cfg.RequestStartJitter / time.Millisecond)
	if span <= 0 {
		return time.Millisecond
	}
	return time.Duration(1+m.rand.IntN(span)) * time.Millisecond
}

// SetDelay sets the network-wide delay, in seconds, applied to channel
// changes started from now on.
func (m *Manager) SetDelay(seconds uint16) error {
	if seconds < m.cfg.MinDelay {
		return fmt.Errorf("%w: delay %d s below minimum %d s", ErrInvalidArgument, seconds, m.cfg.MinDelay)
	}
	m.delay = seconds
	return nil
}

func (m *Manager) startDatasetUpdate() {
	id := m.attemptID
	req := ChangeRequest{
		ID:        id,
		Channel:   m.channel,
		Delay:     time.Duration(m.delay) * time.Second,
		CheckWait: m.cfg.ChangeCheckWait,
	}

	result := m.protocol.Submit(req, func(r DoneResult) {
		m.handleDone(id, r)
	})

	switch result {
	case SubmitAccepted:
		m.state = StateChangeInProgress
		m.notify(EventChangeStarted, m.channel, "")
		// Wait for the done callback.

	case SubmitBusy, SubmitNoResources:
		if m.state != StateChangeRequested {
			m.log.DPanic("dataset update retry outside change-requested state",
				zap.String("state", string(m.state)))
		}
		m.timer.Start(m.cfg.PendingDatasetRetry)
		m.notify(EventChangeRetry, m.channel, result.String())

	case SubmitDisabled:
		m.log.Info("request to change channel failed, device is disabled", zap.Uint8("channel", m.channel))
		fallthrough

	default:
		m.state = StateIdle
		m.notify(EventChangeRejected, m.channel, result.String())
		m.startAutoSelectTimer()
	}
}

// handleDone drops completions of attempts that were superseded.
func (m *Manager) handleDone(id uuid.UUID, result DoneResult) {
	if m.state != StateChangeInProgress || id != m.attemptID {
		m.log.Debug("ignoring completion of stale attempt", zap.Stringer("attempt_id", id))
		return
	}
	m.HandleDatasetUpdateDone(result)
}

// HandleDatasetUpdateDone completes the in-progress change. Any result
// returns the manager to idle.
func (m *Manager) HandleDatasetUpdateDone(result DoneResult) {
	if result == DoneSuccess {
		m.log.Info("channel changed", zap.Uint8("channel", m.channel))
		m.state = StateIdle
		m.notify(EventChannelChanged, m.channel, "")
	} else {
		reason := result.String()
		if result == DoneSuperseded {
			reason = "current active dataset is more recent"
		}
		m.log.Info("canceling channel change",
			zap.Uint8("channel", m.channel), zap.String("reason", reason))
		m.state = StateIdle
		m.notify(EventChangeFailed, m.channel, reason)
	}

	m.startAutoSelectTimer()
}

// HandleTimer must be called when the manager's timer fires.
func (m *Manager) HandleTimer() {
	switch m.state {
	case StateIdle:
		m.log.Info("auto-triggered channel select")
		_ = m.RequestChannelSelect(false)
		m.startAutoSelectTimer()

	case StateChangeRequested:
		m.startDatasetUpdate()

	case StateChangeInProgress:
		// Waiting on the protocol, not the timer.
	}
}

func (m *Manager) startAutoSelectTimer() {
	if m.state != StateIdle {
		return
	}
	if m.autoSelectEnabled {
		m.timer.Start(time.Duration(m.autoSelectInterval) * time.Second)
	} else {
		m.timer.Stop()
	}
}

// SetAutoChannelSelectionEnabled turns periodic channel selection on or off.
// A change of setting triggers one selection pass immediately.
func (m *Manager) SetAutoChannelSelectionEnabled(enabled bool) {
	if enabled == m.autoSelectEnabled {
		return
	}
	m.autoSelectEnabled = enabled
	_ = m.RequestChannelSelect(false)
	m.startAutoSelectTimer()
}

// SetAutoChannelSelectionInterval sets the auto-select period in seconds.
// A running auto-select wait keeps its start point: it now fires at the
// original start plus the new interval.
func (m *Manager) SetAutoChannelSelectionInterval(seconds uint32) error {
	maxSeconds := uint32(m.cfg.MaxTimerDelay / time.Second)
	if seconds == 0 || seconds > maxSeconds {
		return fmt.Errorf("%w: auto-select interval %d s outside 1-%d s", ErrInvalidArgument, seconds, maxSeconds)
	}

	prev := m.autoSelectInterval
	m.autoSelectInterval = seconds

	if m.autoSelectEnabled && m.state == StateIdle && m.timer.IsRunning() && prev != seconds {
		start := m.timer.FireTime().Add(-time.Duration(prev) * time.Second)
		m.timer.StartAt(start, time.Duration(seconds)*time.Second)
	}
	return nil
}

// SetSupportedChannels sets the channels selection may pick from, limited to
// what the radio supports.
func (m *Manager) SetSupportedChannels(mask channel.Mask) {
	m.supported = mask.Intersect(m.radio.SupportedChannels())
	m.log.Info("supported channels", zap.Stringer("mask", m.supported))
}

// SetFavoredChannels sets the preferred channels, limited to what the radio
// supports.
func (m *Manager) SetFavoredChannels(mask channel.Mask) {
	m.favored = mask.Intersect(m.radio.SupportedChannels())
	m.log.Info("favored channels", zap.Stringer("mask", m.favored))
}

func (m *Manager) notify(t EventType, ch uint8, reason string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(Event{
		Timestamp: m.timer.Now(),
		Type:      t,
		State:     m.state,
		Channel:   ch,
		AttemptID: m.attemptID,
		Reason:    reason,
	})
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// RequestedChannel returns the channel of the last change request. It is
// only meaningful while the state is not idle.
func (m *Manager) RequestedChannel() uint8 { return m.channel }

// AttemptID identifies the last change request.
func (m *Manager) AttemptID() uuid.UUID { return m.attemptID }

// Delay returns the channel change delay in seconds.
func (m *Manager) Delay() uint16 { return m.delay }

// SupportedChannels returns the supported channel mask.
func (m *Manager) SupportedChannels() channel.Mask { return m.supported }

// FavoredChannels returns the favored channel mask.
func (m *Manager) FavoredChannels() channel.Mask { return m.favored }

// AutoChannelSelectionEnabled reports whether auto-select is on.
func (m *Manager) AutoChannelSelectionEnabled() bool { return m.autoSelectEnabled }

// AutoChannelSelectionInterval returns the auto-select period in seconds.
func (m *Manager) AutoChannelSelectionInterval() uint32 { return m.autoSelectInterval }
