package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/config"
	"github.com/sweeney/channel-manager/internal/control"
	"github.com/sweeney/channel-manager/internal/gpio"
	"github.com/sweeney/channel-manager/internal/loop"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/mqtt"
	"github.com/sweeney/channel-manager/internal/sim"
	"github.com/sweeney/channel-manager/internal/status"
	"github.com/sweeney/channel-manager/internal/web"
)

// eventQueueSize bounds manager events waiting to be published.
const eventQueueSize = 256

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The manager, its timer and the simulated mesh completions all run on lp.
	lp := loop.New(64)
	loopDone := make(chan struct{})
	go func() {
		lp.Run(ctx)
		close(loopDone)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	network := sim.New(cfg.SimParams(), sim.Deps{
		Logger: log.Named("sim"),
		Post:   lp.Post,
	})

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		BufferSize:  cfg.MQTT.BufferSize,
		Logger:      log.Named("mqtt"),
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		SampleMs:    cfg.Simulation.SampleMs,
		HeartbeatMs: cfg.HeartbeatMs,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		Simulated:   true,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	events := make(chan manager.Event, eventQueueSize)
	notifiers := manager.Notifiers{eventQueue{ch: events, log: log}}

	if cfg.Indicator.Enabled {
		ind, err := gpio.NewRealIndicator(cfg.Indicator.Chip, cfg.Indicator.Line)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer ind.Close()
		follower := gpio.NewFollower(ind, log.Named("gpio"))
		follower.Show(manager.StateIdle)
		notifiers = append(notifiers, follower)
	}

	c := newCore(cfg.ManagerParams(), cfg.Simulation.Seed, lp, network, tracker, notifiers, log.Named("channel-manager"))
	defer lp.Do(context.Background(), c.m.Close)
	ctrl := c.ctrl

	if err := applyConfig(ctx, ctrl, cfg.Manager); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warn("failed to publish startup event", zap.Error(err))
	} else {
		log.Info("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, ctrl, log.Named("web"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	log.Info("started",
		zap.Stringer("supported", cfg.Manager.Supported),
		zap.Stringer("favored", cfg.Manager.Favored),
		zap.Uint16("delay_seconds", cfg.Manager.DelaySeconds),
		zap.Bool("auto_select", cfg.Manager.AutoSelect),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Int64("heartbeat_ms", cfg.HeartbeatMs),
	)

	ticker := time.NewTicker(time.Duration(cfg.Simulation.SampleMs) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sample := func() {
		lp.Post(func() {
			network.Sample()
			ctrl.RefreshOnLoop()
		})
	}
	heartbeat := time.Duration(cfg.HeartbeatMs) * time.Millisecond

	err = runLoop(publisher, publisher, tracker, sample, heartbeat, time.Now, ticker.C, events, sigCh, log)
	log.Info("stopped", zap.Int("changes_applied", network.ChangesApplied()))
	return err
}

// core is a manager wired to the simulated network on a loop.
type core struct {
	m    *manager.Manager
	ctrl *control.Controller
}

// newCore builds the manager and its controller. The tracker is refreshed on
// every manager event and timer fire, as well as after controller calls.
// Events reach the controller first, then notifiers in order.
func newCore(params manager.Config, seed uint64, lp *loop.Loop, network *sim.Network, tracker *status.Tracker, notifiers manager.Notifiers, log *zap.Logger) *core {
	c := &core{}
	timer := loop.NewTimer(lp, time.Now)
	c.m = manager.New(params, manager.Deps{
		Radio:    network,
		Quality:  network,
		Protocol: network,
		Timer:    timer,
		Rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), seed)),
		Notifier: append(manager.Notifiers{c}, notifiers...),
		Logger:   log,
	})
	c.ctrl = control.New(lp, c.m, network, network, tracker)
	timer.SetHandler(c.ctrl.HandleTimer)
	return c
}

// Notify implements manager.Notifier.
func (c *core) Notify(e manager.Event) {
	if c.ctrl != nil {
		c.ctrl.Notify(e)
	}
}

// applyConfig pushes the configured policy into the manager. The interval is
// set before enabling auto-select so the first timer uses it.
func applyConfig(ctx context.Context, ctrl *control.Controller, mc config.ManagerConfig) error {
	if err := ctrl.SetSupportedChannels(ctx, mc.Supported); err != nil {
		return err
	}
	if err := ctrl.SetFavoredChannels(ctx, mc.Favored); err != nil {
		return err
	}
	if err := ctrl.SetDelay(ctx, mc.DelaySeconds); err != nil {
		return err
	}
	if err := ctrl.SetAutoChannelSelectionInterval(ctx, mc.AutoSelectIntervalSeconds); err != nil {
		return err
	}
	return ctrl.SetAutoChannelSelection(ctx, mc.AutoSelect)
}

// eventQueue hands manager events to runLoop without blocking the manager's
// goroutine on the broker.
type eventQueue struct {
	ch  chan<- manager.Event
	log *zap.Logger
}

func (q eventQueue) Notify(e manager.Event) {
	select {
	case q.ch <- e:
	default:
		q.log.Warn("event queue full, dropping event",
			zap.String("event", string(e.Type)),
			zap.Uint8("channel", e.Channel),
		)
	}
}

func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, sample func(), heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, events <-chan manager.Event, sig <-chan os.Signal, log *zap.Logger) error {
	lastHeartbeat := now()

	publishEvent := func(e manager.Event) {
		fields := []zap.Field{
			zap.String("event", string(e.Type)),
			zap.String("state", string(e.State)),
			zap.Uint8("channel", e.Channel),
		}
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}
		log.Info("channel manager event", fields...)
		if err := publisher.Publish(e); err != nil {
			log.Warn("publish error", zap.Error(err))
			// Don't crash on publish failure
		}
	}

	for {
		select {
		case s := <-sig:
			log.Info("shutting down", zap.Stringer("signal", s))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			// Flush events already queued.
		drain:
			for {
				select {
				case e := <-events:
					publishEvent(e)
				default:
					break drain
				}
			}

			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn("failed to publish shutdown event", zap.Error(err))
			} else {
				log.Info("published shutdown event")
			}
			return nil

		case e := <-events:
			publishEvent(e)
			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

		case <-tick:
			t := now()
			if sample != nil {
				sample()
			}

			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			if heartbeat <= 0 || t.Sub(lastHeartbeat) < heartbeat {
				continue
			}
			lastHeartbeat = t

			hbEvent := mqtt.SystemEvent{
				Timestamp: t,
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Info("heartbeat",
					zap.Duration("uptime", snap.Uptime().Truncate(time.Second)),
					zap.String("state", string(snap.Manager.State)),
					zap.Uint8("channel", snap.Manager.CurrentChannel),
					zap.Int("changes", snap.Counts.Changes),
				)
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				log.Warn("heartbeat publish error", zap.Error(err))
			}
		}
	}
}
