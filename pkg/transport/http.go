package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentwire/agentwire/pkg/registry"
)

const (
	// EnvelopePath is the inbound path that accepts POSTed envelopes.
	EnvelopePath = "/envelope"
	// IdentityPath serves the agent's own identity for discovery.
	IdentityPath = "/identity"
)

// HTTPDispatcher delivers envelopes by POSTing them to the receiving
// agent's inbound path.
type HTTPDispatcher struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPDispatcher creates a dispatcher with the given request
// timeout. A zero timeout selects 30 seconds.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		client:  &http.Client{Timeout: timeout},
		maxBody: 1 << 20,
	}
}

// Dispatch POSTs raw to addr's envelope path and returns the reply
// body, which is the synchronous ack or error envelope.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+EnvelopePath, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", addr, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch to %s: status %d: %s", addr, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// HTTPServerConfig configures the inbound HTTP binding.
type HTTPServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string
	// Identity is served on the identity path for discovery.
	Identity registry.AgentIdentity
	// MaxBodyBytes bounds inbound envelope size (default 1 MiB).
	MaxBodyBytes int64
	// RatePerSecond enables per-client rate limiting when positive.
	RatePerSecond float64
	// RateBurst is the limiter burst (default 10 when limiting is on).
	RateBurst int
}

// HTTPServer is the inbound HTTP binding for one agent. It accepts
// POSTed envelopes, replies synchronously with the handler's ack or
// error, and serves the agent identity for discovery.
type HTTPServer struct {
	cfg      HTTPServerConfig
	handler  Handler
	server   *http.Server
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // remote host -> limiter
}

// NewHTTPServer creates the inbound server for handler.
func NewHTTPServer(cfg HTTPServerConfig, handler Handler) *HTTPServer {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RatePerSecond > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	s := &HTTPServer{
		cfg:      cfg,
		handler:  handler,
		limiters: make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(EnvelopePath, s.handleEnvelope)
	mux.HandleFunc(IdentityPath, s.handleIdentity)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving inbound traffic until Shutdown.
func (s *HTTPServer) ListenAndServe() error {
	log.Printf("agentwire: inbound HTTP listening on %s", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("inbound http server: %w", err)
	}
	return nil
}

// Shutdown drains and stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeMux exposes the handler mux so tests can drive the server
// through httptest without binding a port.
func (s *HTTPServer) ServeMux() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(r.RemoteAddr) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if int64(len(raw)) > s.cfg.MaxBodyBytes {
		http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
		return
	}

	reply, err := s.handler.HandleRaw(r.Context(), raw)
	if reply == nil {
		if err != nil {
			// The handler could not even produce an error envelope.
			http.Error(w, "envelope rejected", http.StatusBadRequest)
		}
		return
	}

	// A rejected message still carries its error envelope back to the
	// sender on the synchronous channel.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func (s *HTTPServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Identity)
}

// allow applies per-client rate limiting keyed by remote host, so all
// connections from one peer share a budget.
func (s *HTTPServer) allow(remoteAddr string) bool {
	if s.cfg.RatePerSecond <= 0 {
		return true
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
		s.limiters[host] = lim
	}
	return lim.Allow()
}
