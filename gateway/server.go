// Package gateway terminates client WebSocket connections: handshake
// authentication, envelope decoding, liveness pings, and the bounded
// write queues that back registry handles.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Jingxuan97/Pneumatic/auth"
	"github.com/Jingxuan97/Pneumatic/broadcast"
	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/ingest"
	"github.com/Jingxuan97/Pneumatic/metric"
	"github.com/Jingxuan97/Pneumatic/presence"
	"github.com/Jingxuan97/Pneumatic/ratelimit"
	"github.com/Jingxuan97/Pneumatic/registry"
	"github.com/Jingxuan97/Pneumatic/store"
)

// Tuning defaults. pongWait tracks pingInterval so a connection survives
// one missed pong but not two.
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultWriteWait     = 10 * time.Second
	DefaultSendQueueSize = 64
	DefaultMaxFrameBytes = 16 * 1024

	defaultFramesPerSecond = 20
	defaultFrameBurst      = 40
)

// Server is the WebSocket front end.
type Server struct {
	reg      *registry.Registry
	bus      *broadcast.Bus
	pipeline *ingest.Pipeline
	presence *presence.Tracker
	limiter  *ratelimit.Limiter
	members  store.MembershipChecker
	verifier auth.TokenVerifier

	logger  *slog.Logger
	metrics *metric.Metrics

	upgrader      websocket.Upgrader
	pingInterval  time.Duration
	pongWait      time.Duration
	writeWait     time.Duration
	sendQueueSize int
	maxFrameBytes int64
	frameRate     rate.Limit
	frameBurst    int

	httpServer *http.Server
}

// Deps carries the server's required collaborators.
type Deps struct {
	Registry *registry.Registry
	Bus      *broadcast.Bus
	Pipeline *ingest.Pipeline
	Presence *presence.Tracker
	Limiter  *ratelimit.Limiter
	Members  store.MembershipChecker
	Verifier auth.TokenVerifier
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics wires the server into a shared metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPingInterval sets the liveness ping cadence. Pong wait follows at
// twice the interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
			s.pongWait = 2 * d
		}
	}
}

// WithSendQueueSize sets the per-connection send queue depth.
func WithSendQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendQueueSize = n
		}
	}
}

// WithFrameThrottle sets the per-connection inbound frame budget.
func WithFrameThrottle(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.frameRate = rate.Limit(perSecond)
			s.frameBurst = burst
		}
	}
}

// NewServer creates the gateway over its collaborators.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		reg:      deps.Registry,
		bus:      deps.Bus,
		pipeline: deps.Pipeline,
		presence: deps.Presence,
		limiter:  deps.Limiter,
		members:  deps.Members,
		verifier: deps.Verifier,

		logger:  slog.New(slog.DiscardHandler),
		metrics: metric.NewMetrics(),

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pingInterval:  DefaultPingInterval,
		pongWait:      2 * DefaultPingInterval,
		writeWait:     DefaultWriteWait,
		sendQueueSize: DefaultSendQueueSize,
		maxFrameBytes: DefaultMaxFrameBytes,
		frameRate:     defaultFramesPerSecond,
		frameBurst:    defaultFrameBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gateway's HTTP handler, mounting the WebSocket
// endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start serves the gateway on addr. Blocks until the listener fails or
// Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "gateway.Server", "Start", "serve")
	}
	return nil
}

// Stop shuts the HTTP listener down. Live sessions end when their
// connections drop.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.logger.Info("handshake rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	// Handshakes are limited by remote address, before any state exists
	// for the connection.
	decision := s.limiter.Allow(ratelimit.AddrKey(remoteHost(r)), "connect")
	if !decision.Allowed {
		s.metrics.RateLimited.Inc()
		writeRateLimitHeaders(w, decision)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	sink := newConnSink(s.sendQueueSize)
	handle := registry.NewHandle(identity, sink)
	s.reg.Add(handle)
	s.presence.MarkOnline(r.Context(), identity)

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	s.logger.Info("connection established",
		"identity", identity,
		"handle_id", handle.ID(),
		"remote", r.RemoteAddr)

	sess := &session{
		srv:      s,
		conn:     conn,
		sink:     sink,
		handle:   handle,
		identity: identity,
		throttle: rate.NewLimiter(s.frameRate, s.frameBurst),
	}

	// The session owns the connection from here; run blocks until it
	// ends and detaches the handle itself.
	sess.run(context.WithoutCancel(r.Context()))

	s.metrics.ConnectionsActive.Dec()
	s.logger.Info("connection closed", "identity", identity, "handle_id", handle.ID())
}

// bearerToken extracts the handshake credential from the Authorization
// header or, for browser clients that cannot set headers on WebSocket
// dials, the token query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
}
