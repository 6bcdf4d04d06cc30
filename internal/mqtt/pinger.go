package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	paholog "github.com/eclipse/paho.golang/paho/log"

	"github.com/sweeney/geo-beacon/internal/keepalive"
)

// pinger is the paho.golang ping handler. It hands keepalive timing to a
// keepalive.PingSender and serves as the sender's Comms for the lifetime of
// each connection.
//
// Pings go out on the sender's schedule whether or not other packets were
// sent in between.
type pinger struct {
	sender  *keepalive.PingSender
	timeout time.Duration
	logger  *slog.Logger

	connected atomic.Bool

	mu        sync.Mutex
	conn      net.Conn
	keepAlive time.Duration
	resp      chan struct{}
	failed    chan error
	debug     paholog.Logger
}

var _ paho.Pinger = (*pinger)(nil)

func newPinger(sender *keepalive.PingSender, timeout time.Duration, logger *slog.Logger) *pinger {
	return &pinger{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		debug:   paholog.NOOPLogger{},
	}
}

// Run binds the sender to conn and blocks until the connection context ends
// or a ping fails. A returned error makes paho drop the connection.
//
// With keepAlive 0 no pings are sent, but Run still blocks so Connected
// follows the connection.
func (p *pinger) Run(ctx context.Context, conn net.Conn, keepAlive uint16) error {
	if keepAlive == 0 {
		p.mu.Lock()
		p.debug.Println("keepalive disabled, pinger idle")
		p.mu.Unlock()

		p.connected.Store(true)
		defer p.connected.Store(false)
		<-ctx.Done()
		return nil
	}

	failed := make(chan error, 1)
	p.mu.Lock()
	p.conn = conn
	p.keepAlive = time.Duration(keepAlive) * time.Second
	p.resp = make(chan struct{}, 1)
	p.failed = failed
	p.mu.Unlock()

	p.connected.Store(true)
	defer p.connected.Store(false)

	p.sender.Init(p)
	p.sender.Start()
	defer p.sender.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

// PacketSent is called by paho whenever a packet goes out.
func (p *pinger) PacketSent() {}

// PacketReceived is called by paho whenever a packet comes in.
func (p *pinger) PacketReceived() {}

// PingResp is called by paho when a PINGRESP arrives.
func (p *pinger) PingResp() {
	p.mu.Lock()
	resp := p.resp
	p.mu.Unlock()

	if resp == nil {
		return
	}
	select {
	case resp <- struct{}{}:
	default:
	}
}

// SetDebug sets the paho debug logger.
func (p *pinger) SetDebug(l paholog.Logger) {
	p.mu.Lock()
	p.debug = l
	p.mu.Unlock()
}

// Connected reports whether a connection is currently bound.
func (p *pinger) Connected() bool {
	return p.connected.Load()
}

// KeepAlive returns the interval paho negotiated with the broker.
func (p *pinger) KeepAlive() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keepAlive
}

// CheckForActivity writes a PINGREQ and waits for the PINGRESP. On success
// the next ping is scheduled one keepalive interval out; on failure the
// connection is torn down so the connection manager can reconnect.
func (p *pinger) CheckForActivity(ctx context.Context) error {
	p.mu.Lock()
	conn, resp, failed, interval := p.conn, p.resp, p.failed, p.keepAlive
	p.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	// Discard a PINGRESP left over from an earlier attempt.
	select {
	case <-resp:
	default:
	}

	if _, err := packets.NewControlPacket(packets.PINGREQ).WriteTo(conn); err != nil {
		err = fmt.Errorf("send pingreq: %w", err)
		p.fail(failed, err)
		return err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-resp:
		p.sender.Reschedule(ctx, interval)
		return nil
	case <-timer.C:
		p.fail(failed, ErrPingTimeout)
		return ErrPingTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pinger) fail(failed chan error, err error) {
	p.logger.Warn("mqtt keepalive failed, dropping connection", "error", err)
	select {
	case failed <- err:
	default:
	}
}
