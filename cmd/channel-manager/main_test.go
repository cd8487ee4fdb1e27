package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/config"
	"github.com/sweeney/channel-manager/internal/control"
	"github.com/sweeney/channel-manager/internal/loop"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/mqtt"
	"github.com/sweeney/channel-manager/internal/sim"
	"github.com/sweeney/channel-manager/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")

	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.Type != "" || info.IP != "" {
		t.Errorf("unset fields should be empty, got %+v", info)
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// step is one input to runLoop: a tick, or a manager event when event is set.
type step struct {
	event *manager.Event
}

func tick() step { return step{} }

func event(e manager.Event) step { return step{event: &e} }

type loopResult struct {
	err     error
	samples int
}

// runRunLoop drives runLoop with the given steps and signal.
func runRunLoop(t *testing.T, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, steps []step, signal os.Signal) loopResult {
	t.Helper()
	tickCh := make(chan time.Time)
	events := make(chan manager.Event)
	sig := make(chan os.Signal, 1)

	samples := 0
	sample := func() { samples++ }

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(pub, pub, tracker, sample, heartbeat, clock, tickCh, events, sig, zap.NewNop())
	}()

	for _, s := range steps {
		if s.event != nil {
			events <- *s.event
		} else {
			tickCh <- time.Time{}
		}
	}
	sig <- signal

	err := <-errCh
	return loopResult{err: err, samples: samples}
}

func newTracker() *status.Tracker {
	return status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), status.Config{Broker: "tcp://broker:1883"})
}

func TestRunLoopSamplesEachTick(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	res := runRunLoop(t, pub, newTracker(), 0, clock, []step{tick(), tick(), tick()}, syscall.SIGTERM)
	if res.err != nil {
		t.Fatalf("runLoop returned error: %v", res.err)
	}
	if res.samples != 3 {
		t.Errorf("samples: got %d, want 3", res.samples)
	}
	if len(pub.Events) != 0 {
		t.Errorf("expected no manager events, got %d", len(pub.Events))
	}

	// Should have exactly one system event: SHUTDOWN
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	if pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN event, got %q", pub.SystemEvents[0].Event)
	}
}

func TestRunLoopPublishesEvents(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	steps := []step{
		event(manager.Event{Type: manager.EventChangeRequested, State: manager.StateChangeRequested, Channel: 20}),
		tick(),
		event(manager.Event{Type: manager.EventChangeStarted, State: manager.StateChangeInProgress, Channel: 20}),
		event(manager.Event{Type: manager.EventChannelChanged, State: manager.StateIdle, Channel: 20}),
	}
	res := runRunLoop(t, pub, newTracker(), 0, clock, steps, syscall.SIGTERM)
	if res.err != nil {
		t.Fatalf("runLoop returned error: %v", res.err)
	}

	want := []manager.EventType{manager.EventChangeRequested, manager.EventChangeStarted, manager.EventChannelChanged}
	if len(pub.Events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(pub.Events))
	}
	for i, w := range want {
		if pub.Events[i].Type != w {
			t.Errorf("event %d: got %s, want %s", i, pub.Events[i].Type, w)
		}
	}
}

func TestRunLoopPublishError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	steps := []step{
		event(manager.Event{Type: manager.EventChangeRequested, Channel: 20}),
		tick(),
		event(manager.Event{Type: manager.EventChangeStarted, Channel: 20}),
		tick(),
	}
	res := runRunLoop(t, pub, newTracker(), 0, clock, steps, syscall.SIGTERM)
	if res.err != nil {
		t.Fatalf("runLoop should not fail on publish errors: %v", res.err)
	}
	if res.samples != 2 {
		t.Errorf("loop should keep sampling after publish errors, got %d samples", res.samples)
	}
	if len(pub.SystemEvents) != 1 {
		t.Errorf("shutdown should still be published, got %d system events", len(pub.SystemEvents))
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Clock calls: t0 = start, then one per tick at 5-minute steps. With a
	// 15-minute interval the heartbeat fires on ticks 3 (15m) and 6 (30m).
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5*time.Minute)
	tracker := newTracker()
	tracker.UpdateManager(status.ManagerState{State: manager.StateIdle, CurrentChannel: 15})

	steps := []step{tick(), tick(), tick(), tick(), tick(), tick()}
	res := runRunLoop(t, pub, tracker, 15*time.Minute, clock, steps, syscall.SIGTERM)
	if res.err != nil {
		t.Fatalf("runLoop returned error: %v", res.err)
	}

	var heartbeats, shutdowns int
	for _, se := range pub.SystemEvents {
		switch se.Event {
		case "HEARTBEAT":
			heartbeats++
			if se.Retained {
				t.Error("heartbeat should not be retained")
			}
			payload := string(se.RawPayload)
			if !strings.Contains(payload, `"event":"HEARTBEAT"`) || !strings.Contains(payload, `"channel":15`) {
				t.Errorf("heartbeat payload missing status: %s", payload)
			}
		case "SHUTDOWN":
			shutdowns++
		}
	}
	if heartbeats != 2 {
		t.Errorf("expected 2 HEARTBEAT events, got %d", heartbeats)
	}
	if shutdowns != 1 {
		t.Errorf("expected 1 SHUTDOWN event, got %d", shutdowns)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour)

	runRunLoop(t, pub, newTracker(), 0, clock, []step{tick(), tick(), tick()}, syscall.SIGTERM)

	for _, se := range pub.SystemEvents {
		if se.Event == "HEARTBEAT" {
			t.Error("heartbeat should be disabled with a zero interval")
		}
	}
}

func TestRunLoopHeartbeatIncludesNetworkInfo(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "ethernet")
	t.Setenv(envNetworkIP, "10.0.0.7")

	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute)

	runRunLoop(t, pub, newTracker(), time.Minute, clock, []step{tick()}, syscall.SIGTERM)

	if len(pub.SystemEvents) != 2 || pub.SystemEvents[0].Event != "HEARTBEAT" {
		t.Fatalf("expected HEARTBEAT then SHUTDOWN, got %+v", pub.SystemEvents)
	}
	if !strings.Contains(string(pub.SystemEvents[0].RawPayload), `"ip":"10.0.0.7"`) {
		t.Errorf("heartbeat payload missing network info: %s", pub.SystemEvents[0].RawPayload)
	}
}

func TestRunLoopShutdownSignals(t *testing.T) {
	tests := []struct {
		signal os.Signal
		reason string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			pub := mqtt.NewFakePublisher()
			pub.Connected = true
			clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

			res := runRunLoop(t, pub, newTracker(), 0, clock, nil, tt.signal)
			if res.err != nil {
				t.Fatalf("runLoop returned error: %v", res.err)
			}

			if len(pub.SystemEvents) != 1 {
				t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
			}
			se := pub.SystemEvents[0]
			if se.Event != "SHUTDOWN" || se.Reason != tt.reason || !se.Retained {
				t.Errorf("shutdown event: got %+v", se)
			}
			payload := string(se.RawPayload)
			if !strings.Contains(payload, `"reason":"`+tt.reason+`"`) {
				t.Errorf("payload missing reason: %s", payload)
			}
			if !strings.Contains(payload, `"connected":true`) {
				t.Errorf("payload should report MQTT connected: %s", payload)
			}
		})
	}
}

func TestRunLoopDrainsQueuedEventsOnShutdown(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	events := make(chan manager.Event, 3)
	events <- manager.Event{Type: manager.EventChangeRequested, Channel: 20}
	events <- manager.Event{Type: manager.EventChangeStarted, Channel: 20}
	events <- manager.Event{Type: manager.EventChannelChanged, Channel: 20}

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM

	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)
	if err := runLoop(pub, pub, newTracker(), nil, 0, clock, nil, events, sig, zap.NewNop()); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.Events) != 3 {
		t.Errorf("expected all 3 queued events published, got %d", len(pub.Events))
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN last, got %+v", pub.SystemEvents)
	}
}

func TestRunLoopNilTracker(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute)

	res := runRunLoop(t, pub, nil, time.Minute, clock, []step{tick()}, syscall.SIGTERM)
	if res.err != nil {
		t.Fatalf("runLoop returned error: %v", res.err)
	}
	if len(pub.SystemEvents) != 2 {
		t.Fatalf("expected HEARTBEAT and SHUTDOWN, got %d", len(pub.SystemEvents))
	}
	if pub.SystemEvents[1].RawPayload != nil {
		t.Error("no status payload without a tracker")
	}
}

func TestEventQueueDropsWhenFull(t *testing.T) {
	ch := make(chan manager.Event, 1)
	q := eventQueue{ch: ch, log: zap.NewNop()}

	q.Notify(manager.Event{Type: manager.EventChangeRequested})
	q.Notify(manager.Event{Type: manager.EventChangeStarted})

	if len(ch) != 1 {
		t.Fatalf("queue length: got %d, want 1", len(ch))
	}
	if e := <-ch; e.Type != manager.EventChangeRequested {
		t.Errorf("kept event: got %s, want the first", e.Type)
	}
}

func TestApplyConfig(t *testing.T) {
	radio := manager.NewFakeRadio(11)
	radio.Supported = channel.MaskOf(11, 12, 13, 14, 15, 20)
	quality := manager.NewFakeQualitySource(1000)
	tracker := newTracker()
	lp := loop.New(8)
	m := manager.New(manager.DefaultConfig(), manager.Deps{
		Radio:    radio,
		Quality:  quality,
		Protocol: manager.NewFakeProtocol(),
		Timer:    manager.NewFakeTimer(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Rand:     &manager.FakeRand{},
		Notifier: tracker,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-lp.Stopped()
	})

	mc := config.Default().Manager
	mc.Supported = channel.MaskOf(11, 12, 13, 14, 25)
	mc.Favored = channel.MaskOf(15)
	mc.DelaySeconds = 300
	mc.AutoSelect = true
	mc.AutoSelectIntervalSeconds = 600

	if err := applyConfig(ctx, control.New(lp, m, radio, quality, tracker), mc); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}

	ms := tracker.Snapshot().Manager
	if ms.Supported != channel.MaskOf(11, 12, 13, 14) {
		t.Errorf("Supported: got %v, want the radio-supported subset", ms.Supported)
	}
	if ms.Favored != channel.MaskOf(15) {
		t.Errorf("Favored: got %v", ms.Favored)
	}
	if ms.DelaySec != 300 {
		t.Errorf("DelaySec: got %d", ms.DelaySec)
	}
	if !ms.AutoSelect || ms.AutoSelectInterval != 600 {
		t.Errorf("auto-select: got %v every %d s", ms.AutoSelect, ms.AutoSelectInterval)
	}
}

func TestApplyConfigRejectsShortDelay(t *testing.T) {
	radio := manager.NewFakeRadio(11)
	quality := manager.NewFakeQualitySource(0)
	lp := loop.New(8)
	m := manager.New(manager.DefaultConfig(), manager.Deps{
		Radio:    radio,
		Quality:  quality,
		Protocol: manager.NewFakeProtocol(),
		Timer:    manager.NewFakeTimer(time.Now()),
		Rand:     &manager.FakeRand{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-lp.Stopped()
	})

	mc := config.Default().Manager
	mc.DelaySeconds = 10

	err := applyConfig(ctx, control.New(lp, m, radio, quality, nil), mc)
	if !errors.Is(err, manager.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// startCore runs a core on a real loop and timer with a 1 ms start jitter and
// no change delay.
func startCore(t *testing.T, tracker *status.Tracker, notifiers manager.Notifiers) (*core, *sim.Network) {
	t.Helper()
	lp := loop.New(16)
	network := sim.New(sim.Config{Seed: 1, InitialChannel: 11, Supported: channel.All}, sim.Deps{Post: lp.Post})

	params := manager.DefaultConfig()
	params.MinDelay = 0
	params.RequestStartJitter = time.Millisecond

	c := newCore(params, 1, lp, network, tracker, notifiers, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	t.Cleanup(func() {
		lp.Do(context.Background(), c.m.Close)
		cancel()
		<-lp.Stopped()
	})
	return c, network
}

// waitFor polls the tracker until cond holds or a second passes.
func waitFor(t *testing.T, tracker *status.Tracker, cond func(status.Snapshot) bool) status.Snapshot {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		snap := tracker.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: state=%s channel=%d counts=%+v", snap.Manager.State, snap.Manager.CurrentChannel, snap.Counts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoreTrackerFollowsTimerAndCompletion(t *testing.T) {
	tracker := newTracker()
	var events []manager.Event
	c, network := startCore(t, tracker, manager.Notifiers{manager.NotifierFunc(func(e manager.Event) {
		events = append(events, e)
	})})

	if err := c.ctrl.RequestChannelChange(context.Background(), 15); err != nil {
		t.Fatalf("RequestChannelChange: %v", err)
	}

	snap := waitFor(t, tracker, func(s status.Snapshot) bool { return s.Counts.Changes == 1 })
	if snap.Manager.State != manager.StateIdle {
		t.Errorf("state: got %s, want IDLE", snap.Manager.State)
	}
	if snap.Manager.CurrentChannel != 15 {
		t.Errorf("current channel: got %d, want 15", snap.Manager.CurrentChannel)
	}
	if snap.LastEvent == nil || snap.LastEvent.Type != manager.EventChannelChanged {
		t.Errorf("last event: got %+v", snap.LastEvent)
	}
	if network.ChangesApplied() != 1 {
		t.Errorf("changes applied: got %d, want 1", network.ChangesApplied())
	}

	// Events are recorded on the loop; a round trip through it makes them visible here.
	if err := c.ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var seen []manager.EventType
	for _, e := range events {
		seen = append(seen, e.Type)
	}
	want := []manager.EventType{manager.EventChangeRequested, manager.EventChangeStarted, manager.EventChannelChanged}
	if len(seen) != len(want) {
		t.Fatalf("events: got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestCoreTrackerFollowsRejection(t *testing.T) {
	tracker := newTracker()
	c, network := startCore(t, tracker, nil)
	network.SetRoleDisabled(true)

	if err := c.ctrl.RequestChannelChange(context.Background(), 20); err != nil {
		t.Fatalf("RequestChannelChange: %v", err)
	}

	snap := waitFor(t, tracker, func(s status.Snapshot) bool { return s.Counts.Rejections == 1 })
	if snap.Manager.State != manager.StateIdle {
		t.Errorf("state: got %s, want IDLE", snap.Manager.State)
	}
	if snap.Manager.RequestedChannel != 0 {
		t.Errorf("requested channel should clear when idle, got %d", snap.Manager.RequestedChannel)
	}
	if snap.Manager.CurrentChannel != 11 {
		t.Errorf("current channel: got %d, want 11", snap.Manager.CurrentChannel)
	}
}

func TestPrintConfigAndVersion(t *testing.T) {
	t.Setenv("CHANNEL_MANAGER_MQTT_BROKER", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"print-config", "--broker", "tcp://10.1.1.1:1883", "--http", "off"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("print-config: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "broker: tcp://10.1.1.1:1883") {
		t.Errorf("flag override missing:\n%s", got)
	}
	if !strings.Contains(got, `addr: ""`) {
		t.Errorf("http should be disabled:\n%s", got)
	}

	out.Reset()
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "channel-manager dev\n" {
		t.Errorf("version: got %q", got)
	}
}
