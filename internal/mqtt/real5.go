package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/sweeney/geo-beacon/internal/keepalive"
)

// V5Publisher publishes over MQTT v5 using paho.golang's autopaho
// connection manager. The keepalive sender owns the PINGREQ cadence through
// paho's ping handler hook.
type V5Publisher struct {
	opts      Options
	brokerURL *url.URL
	logger    *slog.Logger
	pinger    *pinger
	cm        *autopaho.ConnectionManager

	mu  sync.Mutex
	buf *ringBuffer
}

// NewV5Publisher creates a publisher for opts.Broker. Nothing is sent until
// Connect.
func NewV5Publisher(opts Options, logger *slog.Logger) (*V5Publisher, error) {
	brokerURL, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "mqtt5")

	return &V5Publisher{
		opts:      opts,
		brokerURL: brokerURL,
		logger:    logger,
		pinger:    newPinger(nil, opts.PingTimeout, logger),
		buf:       newRingBuffer(opts.BufferSize),
	}, nil
}

// Connect starts a managed connection with sender bound to every session.
// It waits up to ten seconds for the first connection; after that autopaho
// keeps retrying in the background until ctx is cancelled.
func (p *V5Publisher) Connect(ctx context.Context, sender *keepalive.PingSender) error {
	p.pinger.sender = sender

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{p.brokerURL},
		KeepAlive:       uint16(p.opts.KeepAlive / time.Second),
		ConnectUsername: p.opts.Username,
		ConnectPassword: []byte(p.opts.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.opts.SystemTopic(),
			Payload: willPayload(time.Now()),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.opts.Broker)
			p.flush(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:    p.opts.ClientID,
			PingHandler: p.pinger,
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if p.brokerURL.Scheme == "mqtts" || p.brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Publish sends a location report. While disconnected the report is queued
// for replay on the next connection.
func (p *V5Publisher) Publish(msg Message) error {
	payload, err := FormatPayload(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	m := queuedMessage{
		topic:    p.opts.Topic,
		payload:  payload,
		qos:      p.opts.QoS,
		retained: p.opts.Retain,
	}

	if !p.pinger.Connected() {
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.send(ctx, p.cm, m)
}

// PublishSystem sends a system lifecycle event with QoS 1.
func (p *V5Publisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	if p.cm == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.opts.SystemTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  event.Retained,
	}); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

func (p *V5Publisher) send(ctx context.Context, cm *autopaho.ConnectionManager, m queuedMessage) error {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		Payload: m.payload,
		QoS:     m.qos,
		Retain:  m.retained,
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *V5Publisher) flush(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	p.logger.Info("mqtt replaying queued messages", "count", len(msgs))
	for _, m := range msgs {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.send(sendCtx, cm, m); err != nil {
			p.logger.Warn("mqtt replay failed", "error", err)
		}
		cancel()
	}
}

// IsConnected reports whether a broker session is up.
func (p *V5Publisher) IsConnected() bool {
	return p.pinger.Connected()
}

// Close disconnects from the broker, waiting up to one second.
func (p *V5Publisher) Close() error {
	if p.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}
