// Package sim provides a simulated mesh radio environment: per-channel
// occupancy that drifts over time, a radio sitting on one channel, and a
// dataset updater that moves the radio after the requested delay. It stands
// in for the mesh stack when the daemon runs without one.
package sim

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/manager"
)

// Config controls the simulation.
type Config struct {
	Seed           uint64
	InitialChannel uint8
	Supported      channel.Mask
	// MaxStep bounds the per-sample random walk of each channel's occupancy.
	MaxStep uint16
}

// DefaultConfig returns a simulation on channel 11 supporting every channel.
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		InitialChannel: channel.Min,
		Supported:      channel.All,
		MaxStep:        0x0400,
	}
}

// Stopper is satisfied by *time.Timer.
type Stopper interface {
	Stop() bool
}

// Deps are optional hooks; zero values fall back to real time and inline
// execution.
type Deps struct {
	Logger *zap.Logger
	// Post delivers completions to the goroutine that owns the manager.
	Post func(func()) bool
	// AfterFunc schedules f after d.
	AfterFunc func(d time.Duration, f func()) Stopper
}

type pendingUpdate struct {
	req   manager.ChangeRequest
	done  func(manager.DoneResult)
	timer Stopper
}

// Network is the simulated environment. It implements manager.Radio,
// manager.QualitySource and manager.ChangeProtocol, and is safe for
// concurrent use.
type Network struct {
	log       *zap.Logger
	post      func(func()) bool
	afterFunc func(time.Duration, func()) Stopper

	mu           sync.Mutex
	rng          *rand.Rand
	maxStep      uint16
	channel      uint8
	supported    channel.Mask
	occupancy    [channel.Max + 1]uint16
	samples      uint32
	roleDisabled bool
	pending      *pendingUpdate
	changes      int
}

// New creates a simulated network.
func New(cfg Config, deps Deps) *Network {
	n := &Network{
		log:       deps.Logger,
		post:      deps.Post,
		afterFunc: deps.AfterFunc,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		maxStep:   cfg.MaxStep,
		channel:   cfg.InitialChannel,
		supported: cfg.Supported.Intersect(channel.All),
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	if n.post == nil {
		n.post = func(f func()) bool { f(); return true }
	}
	if n.afterFunc == nil {
		n.afterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return n
}

// Sample advances every supported channel's occupancy by one random step and
// counts one sample.
func (n *Network) Sample() {
	n.mu.Lock()
	defer n.mu.Unlock()

	step := int(n.maxStep)
	for _, ch := range n.supported.Channels() {
		if step == 0 {
			break
		}
		delta := n.rng.IntN(2*step+1) - step
		v := int(n.occupancy[ch]) + delta
		switch {
		case v < 0:
			v = 0
		case v > 0xffff:
			v = 0xffff
		}
		n.occupancy[ch] = uint16(v)
	}
	n.samples++
}

// SetOccupancy pins a channel's occupancy.
func (n *Network) SetOccupancy(ch uint8, occ manager.Occupancy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch <= channel.Max {
		n.occupancy[ch] = uint16(occ)
	}
}

// SetSampleCount overrides the sample counter.
func (n *Network) SetSampleCount(count uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.samples = count
}

// SetRoleDisabled enables or disables the simulated device's mesh role.
func (n *Network) SetRoleDisabled(disabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roleDisabled = disabled
}

// ChangesApplied returns how many channel changes the network has carried out.
func (n *Network) ChangesApplied() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changes
}

// CurrentChannel implements manager.Radio.
func (n *Network) CurrentChannel() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel
}

// SupportedChannels implements manager.Radio.
func (n *Network) SupportedChannels() channel.Mask {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supported
}

// CCAFailureRate implements manager.Radio. It tracks the occupancy of the
// current channel.
func (n *Network) CCAFailureRate() manager.Occupancy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return manager.Occupancy(n.occupancy[n.channel])
}

// RoleDisabled implements manager.Radio.
func (n *Network) RoleDisabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roleDisabled
}

// SampleCount implements manager.QualitySource.
func (n *Network) SampleCount() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.samples
}

// Occupancy implements manager.QualitySource.
func (n *Network) Occupancy(ch uint8) manager.Occupancy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.occupancyLocked(ch)
}

func (n *Network) occupancyLocked(ch uint8) manager.Occupancy {
	if ch > channel.Max || !n.supported.Contains(ch) {
		return 0xffff
	}
	return manager.Occupancy(n.occupancy[ch])
}

// BestChannels implements manager.QualitySource.
func (n *Network) BestChannels(mask channel.Mask) (channel.Mask, manager.Occupancy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return manager.LowestOccupancy(mask, n.occupancyLocked)
}

// Submit implements manager.ChangeProtocol. Only one update may be pending.
func (n *Network) Submit(req manager.ChangeRequest, done func(manager.DoneResult)) manager.SubmitResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.roleDisabled {
		return manager.SubmitDisabled
	}
	if n.pending != nil {
		return manager.SubmitBusy
	}
	if !n.supported.Contains(req.Channel) {
		return manager.SubmitFailed
	}

	p := &pendingUpdate{req: req, done: done}
	p.timer = n.afterFunc(req.Delay, func() {
		n.post(func() { n.apply(p) })
	})
	n.pending = p

	n.log.Info("dataset update pending",
		zap.Uint8("channel", req.Channel),
		zap.Duration("delay", req.Delay),
		zap.Stringer("attempt_id", req.ID))
	return manager.SubmitAccepted
}

// Cancel implements manager.ChangeProtocol.
func (n *Network) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return
	}
	n.pending.timer.Stop()
	n.log.Info("dataset update cancelled", zap.Uint8("channel", n.pending.req.Channel))
	n.pending = nil
}

// SupersedePending simulates a newer dataset arriving from another device:
// the pending update completes as superseded. Returns false if nothing is
// pending.
func (n *Network) SupersedePending() bool {
	n.mu.Lock()
	p := n.pending
	if p == nil {
		n.mu.Unlock()
		return false
	}
	p.timer.Stop()
	n.pending = nil
	n.mu.Unlock()

	n.post(func() { p.done(manager.DoneSuperseded) })
	return true
}

func (n *Network) apply(p *pendingUpdate) {
	n.mu.Lock()
	if n.pending != p {
		n.mu.Unlock()
		return
	}
	n.pending = nil
	n.channel = p.req.Channel
	n.changes++
	n.mu.Unlock()

	n.log.Info("dataset applied", zap.Uint8("channel", p.req.Channel))
	p.done(manager.DoneSuccess)
}
