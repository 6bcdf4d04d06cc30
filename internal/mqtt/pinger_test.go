package mqtt

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/geo-beacon/internal/keepalive"
)

type tickRecorder struct {
	mu     sync.Mutex
	ticks  int
	resets int
}

func (r *tickRecorder) Increment(context.Context) keepalive.Outcome {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
	return keepalive.Waiting
}

func (r *tickRecorder) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *tickRecorder) counts() (ticks, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks, r.resets
}

type pingerHarness struct {
	p      *pinger
	timers *keepalive.ManualTimers
	sender *keepalive.PingSender
	ticks  *tickRecorder
	broker net.Conn
	runErr chan error
	cancel context.CancelFunc
}

func newPingerHarness(t *testing.T, timeout time.Duration, keepAlive uint16) *pingerHarness {
	t.Helper()
	h := &pingerHarness{
		timers: &keepalive.ManualTimers{},
		ticks:  &tickRecorder{},
		runErr: make(chan error, 1),
	}
	h.sender = keepalive.NewPingSender(context.Background(), h.ticks, keepalive.WithAfterFunc(h.timers.AfterFunc))
	h.p = newPinger(h.sender, timeout, slog.Default())

	client, broker := net.Pipe()
	h.broker = broker
	t.Cleanup(func() {
		client.Close()
		broker.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.runErr <- h.p.Run(ctx, client, keepAlive) }()

	require.Eventually(t, h.p.Connected, time.Second, time.Millisecond)
	require.Eventually(t, h.sender.Pending, time.Second, time.Millisecond)
	return h
}

// readPacket reads one fixed-header-only packet from the broker side.
func (h *pingerHarness) readPacket(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 2)
	h.broker.SetReadDeadline(time.Now().Add(time.Second))
	_, err := io.ReadFull(h.broker, buf)
	require.NoError(t, err)
	return buf
}

func TestPingerRunBindsSender(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)

	assert.Equal(t, 30*time.Second, h.p.KeepAlive())
	assert.Equal(t, 30*time.Second, h.timers.LastDelay())
	_, resets := h.ticks.counts()
	assert.Equal(t, 1, resets)
}

func TestPingerPingRoundTrip(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)

	fired := make(chan struct{})
	go func() {
		h.timers.FireLatest()
		close(fired)
	}()

	pkt := h.readPacket(t)
	assert.Equal(t, []byte{0xC0, 0x00}, pkt, "PINGREQ")
	h.p.PingResp()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("tick did not complete after PINGRESP")
	}

	ticks, _ := h.ticks.counts()
	assert.Equal(t, 1, ticks)
	assert.True(t, h.sender.Pending(), "successful ping re-arms the next one")
	assert.Equal(t, 1, h.timers.Live())
	assert.Equal(t, 30*time.Second, h.timers.LastDelay())
}

func TestPingerTimeoutDropsConnection(t *testing.T) {
	h := newPingerHarness(t, 20*time.Millisecond, 30)

	fired := make(chan struct{})
	go func() {
		h.timers.FireLatest()
		close(fired)
	}()

	h.readPacket(t)
	// No PINGRESP.

	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, ErrPingTimeout)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ping timeout")
	}
	<-fired

	ticks, _ := h.ticks.counts()
	assert.Equal(t, 1, ticks, "counter still advances when the ping fails")
	assert.False(t, h.p.Connected())
	assert.False(t, h.sender.Pending(), "run exit stops the sender")
}

func TestPingerWriteFailureDropsConnection(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)
	h.broker.Close()

	fired := make(chan struct{})
	go func() {
		h.timers.FireLatest()
		close(fired)
	}()

	select {
	case err := <-h.runErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after write failure")
	}
	<-fired
	ticks, _ := h.ticks.counts()
	assert.Equal(t, 1, ticks)
}

func TestPingerContextCancelReturnsNil(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)

	h.cancel()

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.p.Connected())
	assert.False(t, h.sender.Pending())
}

func TestPingerZeroKeepAlive(t *testing.T) {
	sender := keepalive.NewPingSender(context.Background(), &tickRecorder{})
	p := newPinger(sender, time.Second, slog.Default())
	client, broker := net.Pipe()
	defer client.Close()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx, client, 0) }()

	require.Eventually(t, p.Connected, time.Second, time.Millisecond, "connection is up without keepalive")
	assert.False(t, sender.Pending(), "no pings without keepalive")

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, p.Connected())
}

func TestPingerStopDuringPingDropsRearm(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)

	fired := make(chan struct{})
	go func() {
		h.timers.FireLatest()
		close(fired)
	}()

	h.readPacket(t)
	// Session torn down while the PINGRESP is outstanding.
	h.sender.Stop()
	h.p.PingResp()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("tick did not complete after PINGRESP")
	}
	assert.False(t, h.sender.Pending(), "stopped session is not re-armed")
	assert.Equal(t, 0, h.timers.Live())
}

func TestPingerCheckWithoutConnection(t *testing.T) {
	sender := keepalive.NewPingSender(context.Background(), &tickRecorder{})
	p := newPinger(sender, time.Second, slog.Default())

	assert.ErrorIs(t, p.CheckForActivity(context.Background()), ErrNotConnected)
}

func TestPingerStrayPingRespIgnored(t *testing.T) {
	sender := keepalive.NewPingSender(context.Background(), &tickRecorder{})
	p := newPinger(sender, time.Second, slog.Default())

	assert.NotPanics(t, p.PingResp)
	assert.NotPanics(t, p.PacketSent)
	assert.NotPanics(t, p.PacketReceived)
	assert.Implements(t, (*paho.Pinger)(nil), p)
}

func TestPingerReconnectRebinds(t *testing.T) {
	h := newPingerHarness(t, time.Second, 30)
	h.cancel()
	<-h.runErr

	client, broker := net.Pipe()
	defer client.Close()
	defer broker.Close()

	runErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runErr <- h.p.Run(ctx, client, 15) }()

	require.Eventually(t, h.p.Connected, time.Second, time.Millisecond)
	require.Eventually(t, h.sender.Pending, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.timers.Live(), "only the new session's timer is armed")
	assert.Equal(t, 15*time.Second, h.timers.LastDelay())
	_, resets := h.ticks.counts()
	assert.Equal(t, 2, resets, "counter state resets on reconnect")

	cancel()
	<-runErr
}
