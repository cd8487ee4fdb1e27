// Package control runs channel manager operations on the manager's loop and
// publishes the resulting state to the status tracker. HTTP handlers and the
// daemon use it instead of touching the manager directly.
package control

import (
	"context"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/loop"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/status"
)

// Controller serializes access to one Manager.
type Controller struct {
	loop    *loop.Loop
	m       *manager.Manager
	radio   manager.Radio
	quality manager.QualitySource
	tracker *status.Tracker
}

// New creates a Controller. tracker may be nil.
func New(l *loop.Loop, m *manager.Manager, radio manager.Radio, quality manager.QualitySource, tracker *status.Tracker) *Controller {
	return &Controller{loop: l, m: m, radio: radio, quality: quality, tracker: tracker}
}

// do runs f on the loop, then refreshes the tracker.
func (c *Controller) do(ctx context.Context, f func() error) error {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		err = f()
		c.refresh()
	}); lerr != nil {
		return lerr
	}
	return err
}

// Refresh republishes manager state to the tracker.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.do(ctx, func() error { return nil })
}

// RefreshOnLoop republishes manager state. It must run on the loop goroutine.
func (c *Controller) RefreshOnLoop() {
	c.refresh()
}

// HandleTimer runs the manager's timer handler and refreshes the tracker.
// Use it as the loop.Timer handler.
func (c *Controller) HandleTimer() {
	c.m.HandleTimer()
	c.refresh()
}

// Notify records e in the tracker together with the manager state that
// produced it. It implements manager.Notifier and runs on the loop goroutine.
func (c *Controller) Notify(e manager.Event) {
	c.refresh()
	if c.tracker != nil {
		c.tracker.Notify(e)
	}
}

func (c *Controller) refresh() {
	if c.tracker != nil {
		c.tracker.UpdateManager(status.FromManager(c.m, c.radio, c.quality))
	}
}

// RequestChannelChange asks for a change to ch.
func (c *Controller) RequestChannelChange(ctx context.Context, ch uint8) error {
	return c.do(ctx, func() error {
		c.m.RequestChannelChange(ch)
		return nil
	})
}

// RequestChannelSelect runs one selection pass.
func (c *Controller) RequestChannelSelect(ctx context.Context, skipQualityCheck bool) error {
	return c.do(ctx, func() error {
		return c.m.RequestChannelSelect(skipQualityCheck)
	})
}

// SetDelay sets the channel change delay in seconds.
func (c *Controller) SetDelay(ctx context.Context, seconds uint16) error {
	return c.do(ctx, func() error {
		return c.m.SetDelay(seconds)
	})
}

// SetAutoChannelSelection turns periodic selection on or off.
func (c *Controller) SetAutoChannelSelection(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		c.m.SetAutoChannelSelectionEnabled(enabled)
		return nil
	})
}

// SetAutoChannelSelectionInterval sets the periodic selection interval in seconds.
func (c *Controller) SetAutoChannelSelectionInterval(ctx context.Context, seconds uint32) error {
	return c.do(ctx, func() error {
		return c.m.SetAutoChannelSelectionInterval(seconds)
	})
}

// SetSupportedChannels sets the channels selection may pick from.
func (c *Controller) SetSupportedChannels(ctx context.Context, mask channel.Mask) error {
	return c.do(ctx, func() error {
		c.m.SetSupportedChannels(mask)
		return nil
	})
}

// SetFavoredChannels sets the preferred channels.
func (c *Controller) SetFavoredChannels(ctx context.Context, mask channel.Mask) error {
	return c.do(ctx, func() error {
		c.m.SetFavoredChannels(mask)
		return nil
	})
}
