package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/geo-beacon/internal/keepalive"
)

// v3Client is the subset of paho.Client used by V3Publisher.
type v3Client interface {
	Connect() paho.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// V3Publisher publishes over MQTT 3.1.1 using paho.mqtt.golang.
//
// The library owns PINGREQ framing on this transport, so the keepalive ticks
// are driven like an alarm: every keepalive interval the sender checks that
// the session is still open and hands the tick to the counter.
type V3Publisher struct {
	client v3Client
	opts   Options
	sender *keepalive.PingSender
	logger *slog.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewV3Publisher creates a publisher for opts.Broker. Nothing is sent until
// Connect.
func NewV3Publisher(opts Options, logger *slog.Logger) *V3Publisher {
	p := newV3Publisher(opts, logger)

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(opts.KeepAlive).
		SetPingTimeout(opts.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(opts.SystemTopic(), willPayload(time.Now()), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	p.client = paho.NewClient(po)
	return p
}

func newV3Publisher(opts Options, logger *slog.Logger) *V3Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &V3Publisher{
		opts:   opts,
		logger: logger.With("transport", "mqtt3"),
		buf:    newRingBuffer(opts.BufferSize),
	}
}

// Connect binds sender to every (re-)established session and starts
// connecting. It waits up to ten seconds for the first session; after that
// the client keeps retrying in the background.
func (p *V3Publisher) Connect(ctx context.Context, sender *keepalive.PingSender) error {
	p.sender = sender

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(10 * time.Second):
		// ConnectRetry keeps trying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "broker", p.opts.Broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

func (p *V3Publisher) onConnect() {
	p.logger.Info("mqtt connected to broker", "broker", p.opts.Broker)
	p.sender.Init(&alarmComms{p: p})
	p.sender.Start()
	p.flush()
}

func (p *V3Publisher) onConnectionLost(err error) {
	p.logger.Warn("mqtt connection lost", "error", err)
	p.sender.Stop()
}

// Publish sends a location report. While disconnected the report is queued
// for replay.
func (p *V3Publisher) Publish(msg Message) error {
	payload, err := FormatPayload(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(queuedMessage{
		topic:    p.opts.Topic,
		payload:  payload,
		qos:      p.opts.QoS,
		retained: p.opts.Retain,
	})
}

// PublishSystem sends a system lifecycle event.
func (p *V3Publisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) - lifecycle events should arrive
	token := p.client.Publish(p.opts.SystemTopic(), 1, event.Retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

func (p *V3Publisher) send(m queuedMessage) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		dropped := p.buf.push(m)
		queued := p.buf.len()
		p.mu.Unlock()
		if dropped {
			p.logger.Warn("mqtt offline buffer full, dropping oldest", "queued", queued)
		} else {
			p.logger.Debug("mqtt offline, message queued", "queued", queued)
		}
		return nil
	}

	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *V3Publisher) flush() {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	p.logger.Info("mqtt replaying queued messages", "count", len(msgs))
	for _, m := range msgs {
		if err := p.send(m); err != nil {
			p.logger.Warn("mqtt replay failed", "error", err)
		}
	}
}

// IsConnected reports whether the client has an open session.
func (p *V3Publisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close stops the keepalive sender and disconnects from the broker.
func (p *V3Publisher) Close() error {
	if p.sender != nil {
		p.sender.Stop()
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

// alarmComms adapts a paho.mqtt.golang session to keepalive.Comms.
type alarmComms struct {
	p *V3Publisher
}

func (a *alarmComms) KeepAlive() time.Duration {
	return a.p.opts.KeepAlive
}

// CheckForActivity confirms the session is open and re-arms the next tick.
// A closed session is left for the reconnect handler to re-bind.
func (a *alarmComms) CheckForActivity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	a.p.sender.Reschedule(ctx, a.p.opts.KeepAlive)
	return nil
}
