package socketmode

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

const (
	dialHandshakeTimeout = 10 * time.Second
	// The platform heartbeats roughly every ten seconds. A connection
	// silent for this long is dead regardless of what TCP thinks.
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns the production Dialer backed by gorilla/websocket.
func NewDialer() Dialer {
	return &wsDialer{
		dialer: &websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout},
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	// Endpoint URLs embed a single-use ticket, so they never appear in
	// errors or logs.
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial transport endpoint: %w", err)
	}
	return newWSConn(conn), nil
}

// wsConn adapts a websocket connection to the Frame interface. A pump
// goroutine owns all reads; control pings surface as FramePing so the
// session answers them on its own schedule.
type wsConn struct {
	conn *websocket.Conn

	writeLock sync.Mutex

	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	// readErr is set by the pump before frames is closed and read only
	// after, so the channel close orders the accesses.
	readErr error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:   conn,
		frames: make(chan Frame, 8),
		closed: make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		// A ping proves the peer is alive even when no data flows.
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case c.frames <- Frame{Kind: FramePing, Data: []byte(appData)}:
		default:
			// The handler runs inside the pump's read call, so it must
			// not block. A lagging consumer misses this heartbeat and
			// the peer will drop the connection, which is the correct
			// outcome.
		}
		return nil
	})
	go c.readPump()
	return c
}

func (c *wsConn) readPump() {
	defer close(c.frames)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.frames <- Frame{Kind: FrameData, Data: data}:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return Frame{}, c.readErr
			}
			return Frame{}, xerrors.Errorf("connection closed")
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, frame Frame) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	switch frame.Kind {
	case FramePong:
		return c.conn.WriteControl(websocket.PongMessage, frame.Data, deadline)
	case FramePing:
		return c.conn.WriteControl(websocket.PingMessage, frame.Data, deadline)
	default:
		_ = c.conn.SetWriteDeadline(deadline)
		return c.conn.WriteMessage(websocket.TextMessage, frame.Data)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return c.conn.Close()
}
