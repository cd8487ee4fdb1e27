// Package gpio drives a status LED from channel manager state.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/manager"
)

// Indicator is a single on/off output.
type Indicator interface {
	// Set drives the output.
	Set(on bool) error

	// Close releases GPIO resources.
	Close() error
}

// Defaults for the indicator line.
const (
	DefaultChip = "gpiochip0"
	DefaultLine = 17 // BCM numbering
)

// LitFor reports whether the indicator should be on in state s: lit while a
// channel change is requested or in progress.
func LitFor(s manager.State) bool {
	return s != manager.StateIdle
}

// Follower drives an Indicator from manager events. It implements
// manager.Notifier and writes the line only when the level changes.
type Follower struct {
	ind   Indicator
	log   *zap.Logger
	lit   bool
	known bool
}

// NewFollower creates a Follower. A nil logger discards output.
func NewFollower(ind Indicator, log *zap.Logger) *Follower {
	if log == nil {
		log = zap.NewNop()
	}
	return &Follower{ind: ind, log: log}
}

// Notify updates the indicator for e.State.
func (f *Follower) Notify(e manager.Event) {
	f.Show(e.State)
}

// Show sets the indicator for state s.
func (f *Follower) Show(s manager.State) {
	lit := LitFor(s)
	if f.known && lit == f.lit {
		return
	}
	if err := f.ind.Set(lit); err != nil {
		f.log.Warn("indicator write failed", zap.Bool("lit", lit), zap.Error(err))
		f.known = false
		return
	}
	f.lit = lit
	f.known = true
}
