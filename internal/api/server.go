// Package api serves the local display and control surface: session
// management over JSON and the terminal stream over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/hostkeys"
	"github.com/Pequito/sessionvault/internal/macro"
	"github.com/Pequito/sessionvault/internal/session"
	"github.com/Pequito/sessionvault/internal/theme"
)

// HostKeys is the known-hosts view the API exposes.
type HostKeys interface {
	List() ([]hostkeys.Entry, error)
	Forget(addr string) error
}

type Server struct {
	Sessions *session.Manager
	Macros   *macro.Engine
	HostKeys HostKeys
	Palette  *theme.Palette
	Logger   pslog.Logger
}

func (s *Server) logger() pslog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return pslog.Ctx(context.Background())
}

func (s *Server) palette() *theme.Palette {
	if s.Palette != nil {
		return s.Palette
	}
	return theme.Mocha()
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Get("/sessions/{id}/events", s.sessionEvents)
		r.Get("/sessions/{id}/terminal", s.terminal)
		r.Post("/sessions/{id}/resize", s.resizeSession)
		r.Get("/sessions/{id}/tunnels", s.listTunnels)
		r.Post("/sessions/{id}/tunnels", s.createTunnel)
		r.Delete("/sessions/{id}/tunnels/{tunnelId}", s.deleteTunnel)
		r.Post("/sessions/{id}/recording", s.startRecording)
		r.Delete("/sessions/{id}/recording", s.stopRecording)

		r.Get("/macros", s.listMacros)
		r.Put("/macros", s.importMacro)
		r.Get("/macros/{name}", s.exportMacro)
		r.Delete("/macros/{name}", s.deleteMacro)
		r.Post("/macros/{name}/replay", s.replayMacro)
		r.Post("/macros/{name}/schedule", s.scheduleMacro)
		r.Get("/schedules", s.listSchedules)
		r.Delete("/schedules/{entryId}", s.deleteSchedule)

		r.Get("/hostkeys", s.listHostKeys)
		r.Delete("/hostkeys/{host}", s.forgetHostKey)

		r.Get("/profiles", s.listProfiles)
		r.Post("/profiles", s.createProfile)
		r.Post("/profiles/import", s.importProfiles)
		r.Delete("/profiles/{id}", s.deleteProfile)
		r.Post("/profiles/{id}/connect", s.connectProfile)

		r.Get("/theme", s.getTheme)
		r.Get("/keys", s.listKeys)
		r.Get("/logs", getLogs)
		r.Delete("/logs", clearLogs)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

// ErrNotLoopback is returned by Serve for a listen address that is not a
// loopback interface.
var ErrNotLoopback = errors.New("api listen address must be loopback")

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}
	return nil
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := checkLoopback(addr); err != nil {
		return err
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger().Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
