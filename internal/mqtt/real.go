package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/channel-manager/internal/manager"
)

// DefaultBufferSize is the number of messages held while the broker is unreachable.
const DefaultBufferSize = 100

// Options configure a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// BufferSize is the offline replay buffer capacity. Zero uses DefaultBufferSize.
	BufferSize int
	Logger     *zap.Logger
	// Now is the clock used for LWT and RECONNECTED timestamps. Nil uses time.Now.
	Now func() time.Time
}

// client is the subset of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client client
	topics Topics
	log    *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	buf           *ringBuffer
	connectedOnce bool
}

// NewRealPublisher creates a publisher connected to the given broker. The
// broker registers a retained SHUTDOWN/MQTT_DISCONNECT will on the system
// topic. If the broker is unreachable the client keeps retrying in the
// background and messages are buffered meanwhile.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	p := newPublisher(opts)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: p.now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "channel-manager"
	}

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(p.topics.System, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("connection lost", zap.Error(err))
		})

	c := paho.NewClient(pahoOpts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.log.Warn("broker not reachable yet, buffering until connected", zap.String("broker", opts.Broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

func newPublisher(opts Options) *RealPublisher {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &RealPublisher{
		topics: TopicsFor(opts.TopicPrefix),
		log:    opts.Logger,
		now:    opts.Now,
		buf:    newRingBuffer(size),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Publish sends a channel manager event to the MQTT broker.
func (p *RealPublisher) Publish(event manager.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: p.topics.Events, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		if p.buf.push(msg) {
			p.log.Warn("buffer full, dropping oldest", zap.Int("capacity", p.buf.capacity))
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.send(msg)
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect replays buffered messages and, after a reconnect, announces it.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	pending := p.buf.drainAll()
	reconnect := p.connectedOnce
	p.connectedOnce = true
	p.mu.Unlock()

	if reconnect {
		p.log.Info("reconnected to broker", zap.Int("buffered", len(pending)))
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			if err := p.send(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1}); err != nil {
				p.log.Warn("failed to publish reconnect event", zap.Error(err))
			}
		}
	}

	for _, msg := range pending {
		if err := p.send(msg); err != nil {
			p.log.Warn("failed to replay buffered message", zap.String("topic", msg.topic), zap.Error(err))
		}
	}
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
