package socketmode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// fakeConn is an in-process Conn. Tests feed frames through inbound and
// observe the session's writes on outbound.
type fakeConn struct {
	inbound   chan Frame
	outbound  chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan Frame, 16),
		outbound: make(chan Frame, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return Frame{}, xerrors.New("connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, frame Frame) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return xerrors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// fakeDialer hands out preloaded connections and records the endpoint of
// every dial. A nil entry makes that dial fail.
type fakeDialer struct {
	conns chan *fakeConn

	mu   sync.Mutex
	urls []string
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{conns: make(chan *fakeConn, len(conns))}
	for _, conn := range conns {
		d.conns <- conn
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case conn := <-d.conns:
		if conn == nil {
			return nil, xerrors.New("dial refused")
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func testContext() context.Context {
	return logctx.WithLogger(context.Background(), slog.New(logctx.DiscardHandler))
}

func countingOpener() func(ctx context.Context) (string, error) {
	var n int
	var mu sync.Mutex
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("wss://transport.invalid/ticket-%d", n), nil
	}
}

func helloFrame() Frame {
	return Frame{Kind: FrameData, Data: []byte(`{"type":"hello"}`)}
}

func envelopeFrame(envelopeID, payload string) Frame {
	data := fmt.Sprintf(`{"type":"events_api","envelope_id":%q,"payload":%s}`, envelopeID, payload)
	return Frame{Kind: FrameData, Data: []byte(data)}
}

func messageFrame(envelopeID, channel, user, ts, text string) Frame {
	payload := fmt.Sprintf(
		`{"type":"event_callback","event":{"type":"message","channel":%q,"user":%q,"text":%q,"ts":%q}}`,
		channel, user, text, ts,
	)
	return envelopeFrame(envelopeID, payload)
}

// readAck pops the next outbound frame and returns the envelope ID it
// acknowledges.
func readAck(t *testing.T, conn *fakeConn) string {
	t.Helper()
	frame := <-conn.outbound
	require.Equal(t, FrameData, frame.Kind)
	var ack struct {
		EnvelopeID string `json:"envelope_id"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &ack))
	return ack.EnvelopeID
}

// syncPing round-trips a heartbeat so the test knows every frame pushed
// before it has been fully processed.
func syncPing(t *testing.T, conn *fakeConn, payload string) {
	t.Helper()
	conn.inbound <- Frame{Kind: FramePing, Data: []byte(payload)}
	pong := <-conn.outbound
	require.Equal(t, FramePong, pong.Kind)
	require.Equal(t, payload, string(pong.Data))
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := testContext()
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer()
	defer trap.Close()

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := newFakeDialer(conn1, conn2)
	recorder := &stateRecorder{}

	session, err := New(Config{
		OpenConnection: countingOpener(),
		Dialer:         dialer,
		Clock:          mClock,
		OnStateChange:  recorder.record,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(ctx))

	conn1.inbound <- helloFrame()
	<-session.Ready()
	assert.Equal(t, StateConnected, session.State())

	// A delivered message is acked and forwarded.
	conn1.inbound <- messageFrame("env-1", "C0AGENT01", "U0DEV01", "1700000000.000100", "deploy finished")
	ev := <-session.Events()
	assert.Equal(t, LiveEvent{
		Text:    "deploy finished",
		User:    "U0DEV01",
		Channel: "C0AGENT01",
		TS:      "1700000000.000100",
	}, ev)
	assert.Equal(t, "env-1", readAck(t, conn1))

	// A redelivery of the same platform event is acked but not forwarded
	// again.
	conn1.inbound <- messageFrame("env-2", "C0AGENT01", "U0DEV01", "1700000000.000100", "deploy finished")
	assert.Equal(t, "env-2", readAck(t, conn1))
	conn1.inbound <- messageFrame("env-3", "C0AGENT01", "U0DEV01", "1700000000.000200", "next message")
	assert.Equal(t, "env-3", readAck(t, conn1))
	ev = <-session.Events()
	assert.Equal(t, "1700000000.000200", ev.TS)

	syncPing(t, conn1, "hb-1")

	// Drop the connection. The session backs off, fetches a fresh
	// endpoint and reconnects.
	require.NoError(t, conn1.Close())
	call := trap.MustWait(ctx)
	assert.GreaterOrEqual(t, call.Duration, 500*time.Millisecond)
	assert.LessOrEqual(t, call.Duration, time.Second)
	call.Release()
	_, wait := mClock.AdvanceNext()
	wait.MustWait(ctx)

	conn2.inbound <- helloFrame()
	// The dedup set resets per connection, so the first epoch's event is
	// deliverable again.
	conn2.inbound <- messageFrame("env-4", "C0AGENT01", "U0DEV01", "1700000000.000100", "deploy finished")
	ev = <-session.Events()
	assert.Equal(t, "1700000000.000100", ev.TS)
	assert.Equal(t, "env-4", readAck(t, conn2))
	syncPing(t, conn2, "hb-2")

	urls := dialer.dialedURLs()
	require.Len(t, urls, 2)
	assert.NotEqual(t, urls[0], urls[1])

	stats := session.Stats()
	assert.Equal(t, 2, stats.Epoch)
	assert.Equal(t, 1, stats.Reconnects)
	assert.Equal(t, 3, stats.EventsForwarded)
	assert.Equal(t, 0, stats.DroppedEvents)
	assert.Equal(t, 0, stats.MalformedFrames)

	// A successful connection resets the retry counter: the next drop
	// waits the minimum delay again.
	require.NoError(t, conn2.Close())
	call = trap.MustWait(ctx)
	assert.GreaterOrEqual(t, call.Duration, 500*time.Millisecond)
	assert.LessOrEqual(t, call.Duration, time.Second)
	call.Release()

	session.Stop()
	_, open := <-session.Events()
	assert.False(t, open)
	assert.Equal(t, StateDisconnected, session.State())
	assert.NoError(t, session.Err())

	assert.Equal(t, []State{
		StateConnecting, StateAuthenticating, StateConnected,
		StateReconnecting, StateConnecting, StateAuthenticating, StateConnected,
		StateReconnecting, StateDisconnected,
	}, recorder.snapshot())
}

func TestSessionAcksBeforeFiltering(t *testing.T) {
	ctx := testContext()
	mClock := quartz.NewMock(t)

	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	session, err := New(Config{
		OpenConnection: countingOpener(),
		Dialer:         dialer,
		Clock:          mClock,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(ctx))
	defer session.Stop()

	// Before the handshake acknowledgement events are acked but not
	// forwarded.
	conn.inbound <- messageFrame("env-early", "C0AGENT01", "U0DEV01", "1700000000.000001", "too early")
	assert.Equal(t, "env-early", readAck(t, conn))

	// Undecodable frames are counted and skipped.
	conn.inbound <- Frame{Kind: FrameData, Data: []byte(`{"type":`)}

	// Unknown envelope types are acked and otherwise ignored.
	conn.inbound <- Frame{Kind: FrameData, Data: []byte(`{"type":"interactive","envelope_id":"env-int","payload":{}}`)}
	assert.Equal(t, "env-int", readAck(t, conn))

	conn.inbound <- helloFrame()
	<-session.Ready()

	// Bot chatter, edits and events without an author are acked and
	// filtered.
	conn.inbound <- envelopeFrame("env-bot",
		`{"type":"event_callback","event":{"type":"message","channel":"C0AGENT01","bot_id":"B0BOT01","text":"from a bot","ts":"1700000000.000002"}}`)
	assert.Equal(t, "env-bot", readAck(t, conn))
	conn.inbound <- envelopeFrame("env-edit",
		`{"type":"event_callback","event":{"type":"message","subtype":"message_changed","channel":"C0AGENT01","user":"U0DEV01","text":"edited","ts":"1700000000.000003"}}`)
	assert.Equal(t, "env-edit", readAck(t, conn))

	// A message without its identifying fields is malformed, but the ack
	// still goes out first.
	conn.inbound <- envelopeFrame("env-bad",
		`{"type":"event_callback","event":{"type":"message","channel":"C0AGENT01","user":"U0DEV01","text":"no ts"}}`)
	assert.Equal(t, "env-bad", readAck(t, conn))

	conn.inbound <- messageFrame("env-ok", "C0AGENT01", "U0DEV01", "1700000000.000004", "finally")
	assert.Equal(t, "env-ok", readAck(t, conn))
	ev := <-session.Events()
	assert.Equal(t, "finally", ev.Text)

	syncPing(t, conn, "hb-1")
	stats := session.Stats()
	assert.Equal(t, 2, stats.MalformedFrames)
	assert.Equal(t, 1, stats.EventsForwarded)
	assert.Equal(t, 1, stats.Epoch)
}

func TestSessionQueueOverflow(t *testing.T) {
	ctx := testContext()
	mClock := quartz.NewMock(t)

	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	session, err := New(Config{
		OpenConnection: countingOpener(),
		Dialer:         dialer,
		Clock:          mClock,
		QueueSize:      2,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(ctx))
	defer session.Stop()

	conn.inbound <- helloFrame()
	<-session.Ready()

	for i := 1; i <= 4; i++ {
		ts := fmt.Sprintf("1700000000.%06d", i)
		conn.inbound <- messageFrame(fmt.Sprintf("env-%d", i), "C0AGENT01", "U0DEV01", ts, "burst")
		assert.Equal(t, fmt.Sprintf("env-%d", i), readAck(t, conn))
	}
	syncPing(t, conn, "hb-1")

	// With a queue of two, the two oldest events were shed to make room.
	ev := <-session.Events()
	assert.Equal(t, "1700000000.000003", ev.TS)
	ev = <-session.Events()
	assert.Equal(t, "1700000000.000004", ev.TS)

	stats := session.Stats()
	assert.Equal(t, 4, stats.EventsForwarded)
	assert.Equal(t, 2, stats.DroppedEvents)
}

func TestSessionStop(t *testing.T) {
	t.Run("during-reconnect-wait", func(t *testing.T) {
		ctx := testContext()
		mClock := quartz.NewMock(t)
		trap := mClock.Trap().NewTimer()
		defer trap.Close()

		// The only dial attempt is refused, pushing the session into its
		// backoff wait.
		dialer := newFakeDialer(nil)
		session, err := New(Config{
			OpenConnection: countingOpener(),
			Dialer:         dialer,
			Clock:          mClock,
		})
		require.NoError(t, err)
		require.NoError(t, session.Start(ctx))

		call := trap.MustWait(ctx)
		assert.GreaterOrEqual(t, call.Duration, 500*time.Millisecond)
		assert.LessOrEqual(t, call.Duration, time.Second)
		call.Release()

		session.Stop()
		_, open := <-session.Events()
		assert.False(t, open)
		assert.Equal(t, StateDisconnected, session.State())
		assert.NoError(t, session.Err())
	})

	t.Run("before-start", func(t *testing.T) {
		session, err := New(Config{OpenConnection: countingOpener()})
		require.NoError(t, err)
		session.Stop()
		require.Error(t, session.Start(testContext()))
	})

	t.Run("twice", func(t *testing.T) {
		ctx := testContext()
		mClock := quartz.NewMock(t)
		conn := newFakeConn()
		session, err := New(Config{
			OpenConnection: countingOpener(),
			Dialer:         newFakeDialer(conn),
			Clock:          mClock,
		})
		require.NoError(t, err)
		require.NoError(t, session.Start(ctx))
		require.Error(t, session.Start(ctx))
		session.Stop()
		session.Stop()
	})
}

func TestSessionTerminalAuthFailure(t *testing.T) {
	ctx := testContext()
	mClock := quartz.NewMock(t)

	session, err := New(Config{
		OpenConnection: func(ctx context.Context) (string, error) {
			return "", xerrors.Errorf("open transport connection: %w",
				&slackapi.APIError{Code: slackapi.ErrCodeInvalidAuth, StatusCode: 200})
		},
		Dialer: newFakeDialer(),
		Clock:  mClock,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(ctx))

	<-session.Done()
	assert.True(t, slackapi.IsAPIError(session.Err(), slackapi.ErrCodeInvalidAuth))
	assert.Equal(t, StateDisconnected, session.State())
	_, open := <-session.Events()
	assert.False(t, open)

	// Stop after a terminal failure is a no-op and must not hang.
	session.Stop()
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
