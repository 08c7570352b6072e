// Package socketmode maintains one live Socket Mode connection to the
// platform's push transport: it obtains a fresh endpoint for every
// connection attempt, answers heartbeats, acknowledges event envelopes
// and reconnects with jittered exponential backoff until stopped.
//
// Delivery is best-effort and at-most-once per connection epoch: the
// (channel, ts) pair of an event is deduplicated within an epoch, but
// the platform may or may not redeliver events missed across a
// reconnect, and the session neither buffers nor requests replay.
package socketmode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
)

// States returns all lifecycle states, for schema registration.
func States() []State {
	return []State{StateDisconnected, StateConnecting, StateAuthenticating, StateConnected, StateReconnecting}
}

// Conn is one live transport connection. Implementations must make
// ReadFrame and WriteFrame safe for use from a single reader and a
// single writer goroutine and must unblock both when Close is called.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, frame Frame) error
	Close() error
}

// Dialer establishes transport connections. The production dialer is
// backed by gorilla/websocket; tests substitute an in-process fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	// Epoch counts Connected transitions; 0 means never connected.
	Epoch int `json:"epoch"`
	// Reconnects counts backoff waits, i.e. failed connection cycles.
	Reconnects int `json:"reconnects"`
	// MalformedFrames counts frames and payloads dropped as undecodable.
	MalformedFrames int `json:"malformed_frames"`
	// DroppedEvents counts events evicted from a full delivery queue.
	DroppedEvents int `json:"dropped_events"`
	// EventsForwarded counts events handed to the delivery queue.
	EventsForwarded int `json:"events_forwarded"`
}

const (
	defaultQueueSize = 64
	// dedupCap bounds the per-epoch seen-set; beyond it the oldest keys
	// are forgotten first.
	dedupCap = 4096
)

type Config struct {
	// OpenConnection obtains a fresh transport endpoint. It is called
	// before every connection attempt; endpoints are short-lived and
	// never reused.
	OpenConnection func(ctx context.Context) (string, error)
	// Dialer establishes connections. If nil, the websocket dialer is used.
	Dialer Dialer
	// Clock drives backoff waits. If nil, the real clock is used.
	Clock quartz.Clock
	// QueueSize bounds the delivery queue. When the consumer falls
	// behind, the oldest queued event is dropped. Defaults to 64.
	QueueSize int
	// BackoffMin and BackoffMax bound the reconnect schedule.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// OnStateChange, if set, is called from the session goroutine on
	// every lifecycle transition. It must not block.
	OnStateChange func(prev, next State)
}

// Session owns one connection at a time and runs the lifecycle state
// machine on a single goroutine. All waits are bounded and interruptible
// by Stop.
type Session struct {
	openConnection func(ctx context.Context) (string, error)
	dialer         Dialer
	clock          quartz.Clock
	backoff        backoff
	queueSize      int
	onStateChange  func(prev, next State)

	events    chan LiveEvent
	ready     chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	lock       sync.Mutex
	state      State
	started    bool
	retryCount int
	stats      Stats
	runErr     error
	seen       map[string]struct{}
	seenOrder  []string
}

func New(config Config) (*Session, error) {
	if config.OpenConnection == nil {
		return nil, xerrors.Errorf("OpenConnection is required")
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = NewDialer()
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	backoffMin := config.BackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultBackoffMin
	}
	backoffMax := config.BackoffMax
	if backoffMax < backoffMin {
		backoffMax = defaultBackoffMax
	}
	return &Session{
		openConnection: config.OpenConnection,
		dialer:         dialer,
		clock:          clock,
		backoff:        backoff{min: backoffMin, max: backoffMax},
		queueSize:      queueSize,
		onStateChange:  config.OnStateChange,
		events:         make(chan LiveEvent, queueSize),
		ready:          make(chan struct{}),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		state:          StateDisconnected,
		seen:           make(map[string]struct{}),
	}, nil
}

// Start launches the session goroutine. The logger is taken from ctx.
func (s *Session) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.started {
		s.lock.Unlock()
		return xerrors.Errorf("session already started")
	}
	select {
	case <-s.stopCh:
		s.lock.Unlock()
		return xerrors.Errorf("session already stopped")
	default:
	}
	s.started = true
	s.lock.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()
	go func() {
		defer cancel()
		s.run(runCtx)
	}()
	return nil
}

// Stop moves the session to its terminal state. Safe to call from any
// goroutine and more than once. When it returns, the transport is no
// longer read and no further events will be delivered; any in-flight
// reconnect attempt is abandoned.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if started {
		<-s.done
	}
}

// Events is the delivery queue. It is closed when the session reaches
// its terminal state.
func (s *Session) Events() <-chan LiveEvent {
	return s.events
}

// Ready is closed the first time the session reaches Connected.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports the terminal error, if any, once Done is closed. A nil
// result means the session ended by Stop.
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.runErr
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats
}

func (s *Session) run(ctx context.Context) {
	logger := logctx.From(ctx)
	defer close(s.done)
	defer close(s.events)
	defer s.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		// A fresh endpoint on every attempt: the push transport's URLs
		// are single-use.
		url, err := s.openConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTerminalConnectError(err) {
				logger.Error("Connection bootstrap permanently rejected", "error", err)
				s.fail(err)
				return
			}
			logger.Warn("Failed to obtain connection endpoint", "error", err)
			if !s.waitReconnect(ctx, logger) {
				return
			}
			continue
		}

		conn, err := s.dialer.Dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to dial transport", "error", err)
			if !s.waitReconnect(ctx, logger) {
				return
			}
			continue
		}

		s.setState(StateAuthenticating)
		serveErr := s.serveConn(ctx, conn, logger)
		// Fully close the old connection before opening another; two
		// live sockets would double-deliver events.
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Info("Connection dropped", "error", serveErr)
		if !s.waitReconnect(ctx, logger) {
			return
		}
	}
}

// waitReconnect sits out the backoff delay for the current retry count.
// It returns false when the session is stopping.
func (s *Session) waitReconnect(ctx context.Context, logger *slog.Logger) bool {
	s.setState(StateReconnecting)
	s.lock.Lock()
	attempt := s.retryCount
	s.retryCount++
	s.stats.Reconnects++
	s.lock.Unlock()

	delay := s.backoff.delay(attempt)
	logger.Info("Waiting before reconnect", "attempt", attempt+1, "delay", delay)
	timer := s.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) serveConn(ctx context.Context, conn Conn, logger *slog.Logger) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return xerrors.Errorf("read failed: %w", err)
		}
		switch frame.Kind {
		case FramePing:
			// Heartbeats carry a deadline: a failed or overdue ack and
			// the peer drops us, so a write error is a connection drop.
			if err := conn.WriteFrame(ctx, Frame{Kind: FramePong, Data: frame.Data}); err != nil {
				return xerrors.Errorf("heartbeat ack failed: %w", err)
			}
		case FramePong:
			// Unsolicited pong; nothing to do.
		case FrameData:
			if err := s.handleData(ctx, conn, frame.Data, logger); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleData(ctx context.Context, conn Conn, data []byte, logger *slog.Logger) error {
	env, err := parseEnvelope(data)
	if err != nil {
		s.countMalformed()
		logger.Warn("Dropping malformed frame", "error", err)
		return nil
	}
	// Ack before any payload processing. Redelivery is keyed to acks;
	// whether the payload survives filtering is the consumer's concern.
	if env.EnvelopeID != "" {
		ack, err := ackFrame(env.EnvelopeID)
		if err != nil {
			return err
		}
		if err := conn.WriteFrame(ctx, ack); err != nil {
			return xerrors.Errorf("ack failed: %w", err)
		}
	}
	switch env.Type {
	case envelopeTypeHello:
		s.onConnected()
		logger.Info("Transport handshake acknowledged")
	case envelopeTypeDisconnect:
		return xerrors.Errorf("server requested disconnect: %s", env.Reason)
	case envelopeTypeEventsAPI:
		if s.State() != StateConnected {
			logger.Warn("Dropping event received before handshake acknowledgement")
			return nil
		}
		s.handleEventPayload(env.Payload, logger)
	default:
		// Unknown envelope types (interactive, slash commands) were
		// acked above and are otherwise ignored.
	}
	return nil
}

func (s *Session) handleEventPayload(payload []byte, logger *slog.Logger) {
	ev, ok, err := decodeLiveEvent(payload)
	if err != nil {
		s.countMalformed()
		logger.Warn("Dropping malformed event payload", "error", err)
		return
	}
	if !ok {
		return
	}
	if s.seenThisEpoch(ev) {
		return
	}
	s.enqueue(ev)
}

// seenThisEpoch records the event's dedup key and reports whether it was
// already present. The set resets on every Connected transition.
func (s *Session) seenThisEpoch(ev LiveEvent) bool {
	key := ev.Channel + "/" + ev.TS
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	if len(s.seenOrder) > dedupCap {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return false
}

// enqueue hands an event to the delivery queue. A full queue sheds its
// oldest entry first: the transport read loop is never blocked behind a
// slow consumer.
func (s *Session) enqueue(ev LiveEvent) {
	for {
		select {
		case s.events <- ev:
			s.lock.Lock()
			s.stats.EventsForwarded++
			s.lock.Unlock()
			return
		default:
		}
		select {
		case <-s.events:
			s.lock.Lock()
			s.stats.DroppedEvents++
			s.lock.Unlock()
		default:
		}
	}
}

func (s *Session) countMalformed() {
	s.lock.Lock()
	s.stats.MalformedFrames++
	s.lock.Unlock()
}

func (s *Session) onConnected() {
	s.lock.Lock()
	s.retryCount = 0
	s.stats.Epoch++
	s.seen = make(map[string]struct{})
	s.seenOrder = s.seenOrder[:0]
	prev := s.state
	s.state = StateConnected
	cb := s.onStateChange
	s.lock.Unlock()
	if cb != nil && prev != StateConnected {
		cb(prev, StateConnected)
	}
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *Session) setState(next State) {
	s.lock.Lock()
	prev := s.state
	if prev == next {
		s.lock.Unlock()
		return
	}
	s.state = next
	cb := s.onStateChange
	s.lock.Unlock()
	if cb != nil {
		cb(prev, next)
	}
}

func (s *Session) fail(err error) {
	s.lock.Lock()
	s.runErr = err
	s.lock.Unlock()
}

// isTerminalConnectError reports whether the bootstrap rejection cannot
// be fixed by retrying, e.g. a revoked token.
func isTerminalConnectError(err error) bool {
	return slackapi.IsAPIError(err, slackapi.ErrCodeInvalidAuth) ||
		slackapi.IsAPIError(err, slackapi.ErrCodeTokenRevoked) ||
		slackapi.IsAPIError(err, slackapi.ErrCodeAccountInactive)
}
