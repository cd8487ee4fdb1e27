package manager

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
)

// LowestOccupancy returns the channels in mask sharing the lowest occupancy
// and that occupancy. An empty mask yields an empty set and 0xffff.
func LowestOccupancy(mask channel.Mask, occupancy func(ch uint8) Occupancy) (channel.Mask, Occupancy) {
	var best channel.Mask
	bestOcc := Occupancy(0xffff)
	for _, ch := range mask.Channels() {
		occ := occupancy(ch)
		switch {
		case best.IsEmpty() || occ < bestOcc:
			best = channel.MaskOf(ch)
			bestOcc = occ
		case occ == bestOcc:
			best = best.Add(ch)
		}
	}
	return best, bestOcc
}

// FindBetterChannel picks the least occupied channel, preferring favored
// channels unless a non-favored one is better by more than the skip-favored
// threshold. Ties are broken at random.
func (m *Manager) FindBetterChannel() (uint8, Occupancy, error) {
	th := m.cfg.Thresholds

	if n := m.quality.SampleCount(); n <= th.MinSampleCount {
		m.log.Info("too few samples to select channel",
			zap.Uint32("samples", n), zap.Uint32("min_samples", th.MinSampleCount))
		return 0, 0, fmt.Errorf("%w: %d samples, need more than %d", ErrInvalidState, n, th.MinSampleCount)
	}

	favoredAndSupported := m.favored.Intersect(m.supported)

	favoredBest, favoredOcc := m.quality.BestChannels(favoredAndSupported)
	supportedBest, supportedOcc := m.quality.BestChannels(m.supported)

	m.log.Info("best favored", zap.Stringer("channels", favoredBest), zap.Stringer("occupancy", favoredOcc))
	m.log.Info("best overall", zap.Stringer("channels", supportedBest), zap.Stringer("occupancy", supportedOcc))

	if favoredBest.IsEmpty() ||
		(favoredOcc >= th.SkipFavored && supportedOcc < favoredOcc-th.SkipFavored) {
		if !favoredBest.IsEmpty() {
			m.log.Info("preferring an unfavored channel due to high occupancy rate diff")
		}
		favoredBest = supportedBest
		favoredOcc = supportedOcc
	}

	ch, ok := favoredBest.ChooseRandom(m.rand)
	if !ok {
		return 0, 0, fmt.Errorf("%w: no candidate channel", ErrNotFound)
	}
	return ch, favoredOcc, nil
}

// ShouldAttemptChannelChange reports whether the CCA failure rate on the
// current channel is high enough to look for a better one.
func (m *Manager) ShouldAttemptChannelChange() bool {
	rate := m.radio.CCAFailureRate()
	threshold := m.cfg.Thresholds.CCAFailureRate
	attempt := rate >= threshold

	m.log.Info("checked cca failure rate",
		zap.Stringer("cca_failure_rate", rate),
		zap.Stringer("threshold", threshold),
		zap.Bool("selecting", attempt))

	return attempt
}

// RequestChannelSelect runs one selection pass and requests a change when a
// channel is found that beats the current one by the change threshold.
// With skipQualityCheck false the pass only runs when the CCA failure rate
// is high.
func (m *Manager) RequestChannelSelect(skipQualityCheck bool) error {
	m.log.Info("request to select channel", zap.Bool("skip_quality_check", skipQualityCheck))

	outcome, err := m.selectChannel(skipQualityCheck)
	if err != nil {
		m.log.Info("request to select better channel failed", zap.Error(err))
		outcome = err.Error()
	}
	m.notify(EventSelection, m.radio.CurrentChannel(), outcome)
	return err
}

func (m *Manager) selectChannel(skipQualityCheck bool) (string, error) {
	if m.radio.RoleDisabled() {
		return "", fmt.Errorf("%w: mesh role is disabled", ErrInvalidState)
	}

	if !skipQualityCheck && !m.ShouldAttemptChannelChange() {
		return "quality ok", nil
	}

	newCh, newOcc, err := m.FindBetterChannel()
	if err != nil {
		return "", err
	}

	curCh := m.radio.CurrentChannel()
	curOcc := m.quality.Occupancy(curCh)

	if newCh == curCh {
		m.log.Info("already on best possible channel", zap.Uint8("channel", curCh))
		return "already on best channel", nil
	}

	m.log.Info("compared channels",
		zap.Uint8("current", curCh), zap.Stringer("current_occupancy", curOcc),
		zap.Uint8("best", newCh), zap.Stringer("best_occupancy", newOcc))

	if newOcc >= curOcc || curOcc-newOcc < m.cfg.Thresholds.ChangeChannel {
		m.log.Info("occupancy rate diff too small to change channel")
		return "occupancy diff too small", nil
	}

	m.RequestChannelChange(newCh)
	return fmt.Sprintf("requested channel %d", newCh), nil
}
