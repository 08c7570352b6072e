// Package httpapi exposes the agents over HTTP: message operations as
// plain endpoints and the listener's output as a server-sent event
// stream, with an OpenAPI schema for all of it.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
)

type ServerConfig struct {
	Port           int
	AllowedHosts   []string
	AllowedOrigins []string

	// Agent carries the channel, credential and limit configuration
	// shared by every endpoint. Channel, when set, scopes the listener
	// and doubles as the default channel for message operations.
	Agent agent.Config

	// Resolver and Client default to the environment-backed resolver
	// and the platform client when nil.
	Resolver *credential.Resolver
	Client   *slackapi.Client

	// Clock drives uptime reporting and error event timestamps.
	Clock quartz.Clock

	// ListenerOpts are applied to the listener before the server's own
	// state hook. Setting a state callback here has no effect; the
	// server owns that hook.
	ListenerOpts []agent.ListenerOption

	// EmitterOpts tune the SSE fan-out.
	EmitterOpts []EventEmitterOption
}

// Server hosts the agent endpoints and the event stream. Construct it
// with NewServer, then Start to begin listening and Stop to shut down.
type Server struct {
	router  chi.Router
	api     huma.API
	srv     *http.Server
	logger  *slog.Logger
	baseCtx context.Context

	resolver *credential.Resolver
	client   *slackapi.Client
	agentCfg agent.Config
	clock    quartz.Clock

	emitter  *EventEmitter
	listener *agent.Listener

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	bridgeDone chan struct{}
}

func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	logger := logctx.From(ctx)

	allowedHosts, err := parseAllowedHosts(config.AllowedHosts)
	if err != nil {
		return nil, xerrors.Errorf("invalid allowed hosts: %w", err)
	}
	allowedOrigins, err := parseAllowedOrigins(config.AllowedOrigins)
	if err != nil {
		return nil, xerrors.Errorf("invalid allowed origins: %w", err)
	}

	resolver, client := config.Resolver, config.Client
	if resolver == nil {
		resolver = credential.NewResolver()
	}
	if client == nil {
		client = slackapi.NewClient(slackapi.ClientConfig{})
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	s := &Server{
		logger:     logger,
		baseCtx:    ctx,
		resolver:   resolver,
		client:     client,
		agentCfg:   config.Agent,
		clock:      clock,
		emitter:    NewEventEmitter(config.EmitterOpts...),
		bridgeDone: make(chan struct{}),
	}

	listenerOpts := append([]agent.ListenerOption{}, config.ListenerOpts...)
	listenerOpts = append(listenerOpts, agent.WithStateCallback(func(_, next socketmode.State) {
		s.emitter.EmitStatus(next)
	}))
	s.listener = agent.NewListener(config.Agent, resolver, client, listenerOpts...)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logctx.WithLogger(r.Context(), logger)))
		})
	})
	router.Use(hostAuthorizationMiddleware(allowedHosts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Host not allowed", http.StatusForbidden)
	})))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	authConfig := NewAuthConfig()
	if authConfig.Required {
		logger.Info("API key authentication enabled")
	}
	router.Use(authConfig.AuthMiddleware())

	humaConfig := huma.DefaultConfig("Slack Agents API", "0.1.0")
	humaConfig.Info.Description = "Post and read channel messages and follow live message events over SSE."
	s.api = humachi.New(router, humaConfig)
	s.router = router

	s.registerRoutes()
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start brings up the listener and serves HTTP. It blocks until the
// server shuts down, returning http.ErrServerClosed after a clean Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return xerrors.Errorf("server already started")
	}
	s.mu.Unlock()

	if err := s.listener.Start(s.baseCtx); err != nil {
		return xerrors.Errorf("failed to start listener: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	go s.bridgeEvents()
	return s.srv.ListenAndServe()
}

// bridgeEvents pumps listener output into the SSE emitter. It exits
// when the listener's event channel closes, surfacing a terminal
// listener error as an error event.
func (s *Server) bridgeEvents() {
	defer close(s.bridgeDone)
	for ev := range s.listener.Events() {
		s.emitter.EmitLiveEvent(ev)
	}
	if err := s.listener.Err(); err != nil {
		s.logger.Error("listener terminated", "error", err)
		s.emitter.EmitError(err.Error())
	}
}

// Stop shuts the server down: the listener first so no further events
// are produced, then every SSE subscription, then the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.listener.Stop()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.bridgeDone
	}
	s.emitter.Close()
	return s.srv.Shutdown(ctx)
}

// GetOpenAPI renders the API schema as indented JSON.
func (s *Server) GetOpenAPI() string {
	b, err := json.MarshalIndent(s.api.OpenAPI(), "", "  ")
	if err != nil {
		return fmt.Sprintf("failed to marshal OpenAPI schema: %v", err)
	}
	return string(b)
}

// hostAuthorizationMiddleware rejects requests whose Host header is not
// in the allow list, routing them to errorHandler. Ports are ignored
// during matching and hostnames compare case-insensitively. A single
// "*" entry allows everything.
func hostAuthorizationMiddleware(allowedHosts []string, errorHandler http.Handler) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, host := range allowedHosts {
		if host == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(host)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAll {
				next.ServeHTTP(w, r)
				return
			}
			host := strings.ToLower(hostWithoutPort(r.Host))
			if host == "" {
				errorHandler.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[host]; !ok {
				errorHandler.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostWithoutPort strips an optional port from a Host header value,
// leaving bracketed IPv6 literals intact.
func hostWithoutPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndex(host, "]"); i != -1 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}

// parseAllowedHosts validates a host allow list: hostnames only, no
// schemes, no ports, no whitespace. A single "*" entry means all hosts.
func parseAllowedHosts(hosts []string) ([]string, error) {
	if len(hosts) == 0 {
		return nil, xerrors.Errorf("allowed hosts list is empty")
	}
	if len(hosts) == 1 && hosts[0] == "*" {
		return []string{"*"}, nil
	}
	parsed := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host == "" {
			return nil, xerrors.Errorf("allowed host is empty")
		}
		if host == "*" {
			return nil, xerrors.Errorf("wildcard '*' must be the only allowed hosts entry")
		}
		if strings.ContainsAny(host, " \t") {
			return nil, xerrors.Errorf("allowed host %q contains whitespace", host)
		}
		if strings.Contains(host, ",") {
			return nil, xerrors.Errorf("allowed host %q contains a comma; pass multiple hosts as separate entries", host)
		}
		if strings.Contains(host, "/") {
			return nil, xerrors.Errorf("allowed host %q must be a hostname without scheme or path", host)
		}
		if strings.HasPrefix(host, "[") {
			// Bracketed IPv6 literal; reject a trailing port.
			i := strings.LastIndex(host, "]")
			if i == -1 {
				return nil, xerrors.Errorf("allowed host %q has an unterminated IPv6 literal", host)
			}
			if i != len(host)-1 {
				return nil, xerrors.Errorf("allowed host %q must not include a port", host)
			}
		} else if strings.Contains(host, ":") {
			return nil, xerrors.Errorf("allowed host %q must not include a port", host)
		}
		parsed = append(parsed, strings.ToLower(host))
	}
	return parsed, nil
}

// parseAllowedOrigins validates a CORS origin list: absolute URLs with
// scheme and host. A single "*" entry means all origins.
func parseAllowedOrigins(origins []string) ([]string, error) {
	if len(origins) == 0 {
		return nil, xerrors.Errorf("allowed origins list is empty")
	}
	if len(origins) == 1 && origins[0] == "*" {
		return []string{"*"}, nil
	}
	parsed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "" {
			return nil, xerrors.Errorf("allowed origin is empty")
		}
		if origin == "*" {
			return nil, xerrors.Errorf("wildcard '*' must be the only allowed origins entry")
		}
		if strings.ContainsAny(origin, " \t") {
			return nil, xerrors.Errorf("allowed origin %q contains whitespace", origin)
		}
		if !strings.Contains(origin, "://") {
			return nil, xerrors.Errorf("allowed origin %q must be an absolute URL", origin)
		}
		parsed = append(parsed, origin)
	}
	return parsed, nil
}
