// Package web is the HTTP front door of the gateway: a single endpoint that
// answers health probes on GET and JSON-RPC on POST, gating protocol traffic
// behind sessions minted at initialize and expired after inactivity.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/protocol"
)

const sessionHeader = "Mcp-Session-Id"

// Options configure the front door.
type Options struct {
	Addr        string
	Logger      *slog.Logger
	BearerToken string
	// SessionTTL is the inactivity window after which a session expires.
	SessionTTL time.Duration
	// SweepInterval paces the background eviction of idle sessions.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return opts
}

// Server serves the protocol over HTTP for session-holding clients.
type Server struct {
	opts     Options
	handler  *protocol.Handler
	sessions *sessionStore
	mux      http.Handler
}

// NewServer builds the front door around one protocol handler.
func NewServer(h *protocol.Handler, opts *Options) *Server {
	options := opts.withDefaults()
	s := &Server{
		opts:     options,
		handler:  h,
		sessions: newSessionStore(options.SessionTTL),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveRoot)
	s.mux = withCORS(withBearerAuth(options.BearerToken, mux))
	return s
}

// Handler exposes the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe runs the server until the context ends, then shuts down
// gracefully. The session sweeper runs for the same lifetime.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.sessions.startSweeper(ctx, s.opts.SweepInterval)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("http front door listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveHealth(w)
	case http.MethodPost:
		s.serveRPC(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveHealth answers unauthenticated-friendly liveness probes with a small
// status document.
func (s *Server) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "toolgate",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// serveRPC handles one protocol message. An initialize request mints a fresh
// session and returns its id in the response header; every other request must
// present a live session id or is refused outright.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		writeResponse(w, protocol.NewError(nil, protocol.CodeInternalError, "failed to read request body", err.Error()))
		return
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		writeResponse(w, protocol.NewError(protocol.RecoverID(body), protocol.CodeParseError, "parse error", err.Error()))
		return
	}

	if req.Method == "initialize" {
		sess := s.sessions.mint(r.RemoteAddr)
		w.Header().Set(sessionHeader, sess.id)
		s.opts.Logger.Info("session created", "session", sess.id, "remote", r.RemoteAddr)
		writeResponse(w, s.handler.Handle(r.Context(), req))
		return
	}

	sid := r.Header.Get(sessionHeader)
	if req.IsNotification() {
		// Notifications are acknowledged without a body regardless; a supplied
		// session id still refreshes its activity window.
		s.sessions.touch(sid)
		s.handler.Handle(r.Context(), req)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !s.sessions.touch(sid) {
		writeUnauthorized(w, "missing, unknown, or expired session; send initialize first")
		return
	}
	writeResponse(w, s.handler.Handle(r.Context(), req))
}

func writeResponse(w http.ResponseWriter, resp *protocol.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
