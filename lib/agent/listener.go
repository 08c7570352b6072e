package agent

import (
	"context"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
)

// Listener streams user messages from the push transport, optionally
// filtered to one channel. Credentials and the filter are resolved once
// at Start; reconnect bookkeeping lives entirely in the transport
// session, the listener holds only the filter predicate.
type Listener struct {
	cfg      Config
	resolver *credential.Resolver
	client   *slackapi.Client

	dialer    socketmode.Dialer
	clock     quartz.Clock
	queueSize int
	onState   func(prev, next socketmode.State)

	out         chan socketmode.LiveEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
	forwardDone chan struct{}

	mu      sync.Mutex
	started bool
	filter  string
	session *socketmode.Session
}

type ListenerOption func(*Listener)

// WithDialer substitutes the transport dialer.
func WithDialer(dialer socketmode.Dialer) ListenerOption {
	return func(l *Listener) {
		l.dialer = dialer
	}
}

// WithClock substitutes the clock driving reconnect backoff.
func WithClock(clock quartz.Clock) ListenerOption {
	return func(l *Listener) {
		l.clock = clock
	}
}

// WithQueueSize bounds the transport delivery queue.
func WithQueueSize(size int) ListenerOption {
	return func(l *Listener) {
		l.queueSize = size
	}
}

// WithStateCallback observes transport state transitions. The callback
// runs on the session goroutine and must not block.
func WithStateCallback(fn func(prev, next socketmode.State)) ListenerOption {
	return func(l *Listener) {
		l.onState = fn
	}
}

func NewListener(cfg Config, resolver *credential.Resolver, client *slackapi.Client, opts ...ListenerOption) *Listener {
	resolver, client = defaultedDeps(resolver, client)
	l := &Listener{
		cfg:         cfg,
		resolver:    resolver,
		client:      client,
		out:         make(chan socketmode.LiveEvent),
		stopCh:      make(chan struct{}),
		forwardDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start resolves credentials and the channel filter, then launches the
// transport session. Startup failures (missing credential, unknown
// filter channel) are fatal: retrying cannot fix them, and the listener
// cannot be started again.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return xerrors.Errorf("listener already started")
	}
	select {
	case <-l.stopCh:
		l.mu.Unlock()
		return xerrors.Errorf("listener already stopped")
	default:
	}
	l.started = true
	l.mu.Unlock()

	appCred, err := l.resolver.Resolve(l.cfg.AppToken, DefaultAppTokenVar)
	if err != nil {
		return err
	}
	// The bot token is only needed to resolve a channel filter; a
	// filterless listener runs on the app token alone.
	filter := ""
	if l.cfg.Channel != "" {
		botCred, err := l.resolver.Resolve(l.cfg.Token, DefaultBotTokenVar)
		if err != nil {
			return err
		}
		filter, err = l.client.ResolveChannelID(ctx, botCred.Token(), l.cfg.Channel)
		if err != nil {
			return xerrors.Errorf("failed to resolve filter channel: %w", err)
		}
	}

	appToken := appCred.Token()
	session, err := socketmode.New(socketmode.Config{
		OpenConnection: func(ctx context.Context) (string, error) {
			return l.client.AppsConnectionsOpen(ctx, appToken)
		},
		Dialer:        l.dialer,
		Clock:         l.clock,
		QueueSize:     l.queueSize,
		OnStateChange: l.onState,
	})
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.filter = filter
	l.session = session
	l.mu.Unlock()
	go l.forward(session)
	return nil
}

// forward moves matching events from the session onto the listener
// output.
func (l *Listener) forward(session *socketmode.Session) {
	defer close(l.forwardDone)
	defer close(l.out)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			if !l.matches(ev) {
				continue
			}
			select {
			case l.out <- ev:
			case <-l.stopCh:
				return
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Listener) matches(ev socketmode.LiveEvent) bool {
	l.mu.Lock()
	filter := l.filter
	l.mu.Unlock()
	return filter == "" || ev.Channel == filter
}

// Stop tears the listener down. Safe from any goroutine and more than
// once; when it returns, no further events are delivered.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session != nil {
		session.Stop()
		<-l.forwardDone
	}
}

// Events is the filtered delivery stream, closed when the listener
// stops.
func (l *Listener) Events() <-chan socketmode.LiveEvent {
	return l.out
}

// Ready is closed when the transport first reaches Connected. Nil
// before a successful Start.
func (l *Listener) Ready() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.session.Ready()
}

// Done is closed when the transport session has fully wound down. Nil
// before a successful Start.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.session.Done()
}

// Err reports the transport's terminal error once Done is closed.
func (l *Listener) Err() error {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Err()
}

func (l *Listener) State() socketmode.State {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return socketmode.StateDisconnected
	}
	return session.State()
}

func (l *Listener) Stats() socketmode.Stats {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return socketmode.Stats{}
	}
	return session.Stats()
}
