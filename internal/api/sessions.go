package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/Pequito/sessionvault/internal/channel"
	"github.com/Pequito/sessionvault/internal/hostkeys"
	"github.com/Pequito/sessionvault/internal/session"
	"github.com/Pequito/sessionvault/internal/tunnel"
)

type tunnelInfo struct {
	*tunnel.Tunnel
	Stats tunnel.Stats `json:"stats"`
}

type sessionInfo struct {
	ID          string                    `json:"id"`
	Protocol    session.Protocol          `json:"protocol"`
	Host        string                    `json:"host"`
	Port        int                       `json:"port"`
	Username    string                    `json:"username,omitempty"`
	State       session.State             `json:"state"`
	Rows        int                       `json:"rows"`
	Cols        int                       `json:"cols"`
	X11         bool                      `json:"x11"`
	Channels    []channel.Channel         `json:"channels"`
	Tunnels     []tunnelInfo              `json:"tunnels"`
	Transitions []session.StateTransition `json:"transitions,omitempty"`
}

func describeSession(w *session.Worker, withHistory bool) sessionInfo {
	cfg := w.Config()
	rows, cols := w.Size()
	info := sessionInfo{
		ID:       w.ID(),
		Protocol: cfg.Protocol,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Credential.Username,
		State:    w.State(),
		Rows:     rows,
		Cols:     cols,
		X11:      cfg.X11,
		Channels: w.Channels(),
		Tunnels:  []tunnelInfo{},
	}
	for _, t := range w.Tunnels() {
		info.Tunnels = append(info.Tunnels, tunnelInfo{Tunnel: t, Stats: t.Stats()})
	}
	if withHistory {
		info.Transitions = w.Transitions()
	}
	return info
}

func (s *Server) worker(w http.ResponseWriter, r *http.Request) (*session.Worker, bool) {
	wk, ok := s.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return wk, true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	out := []sessionInfo{}
	for _, wk := range s.Sessions.List() {
		out = append(out, describeSession(wk, false))
	}
	writeJSON(w, http.StatusOK, out)
}

type connectRequest struct {
	Protocol       string               `json:"protocol"`
	Host           string               `json:"host"`
	Port           int                  `json:"port"`
	Username       string               `json:"username"`
	Password       string               `json:"password"`
	PrivateKey     string               `json:"private_key"`
	KeyPath        string               `json:"key_path"`
	Passphrase     string               `json:"passphrase"`
	Rows           int                  `json:"rows"`
	Cols           int                  `json:"cols"`
	X11            bool                 `json:"x11"`
	Tunnels        []session.TunnelSpec `json:"tunnels"`
	StrictHostKeys bool                 `json:"strict_host_keys"`
}

func (req connectRequest) config() (session.Config, error) {
	cfg := session.Config{
		Protocol: session.Protocol(req.Protocol),
		Host:     req.Host,
		Port:     req.Port,
		Credential: session.Credential{
			Username:   req.Username,
			Password:   req.Password,
			Passphrase: []byte(req.Passphrase),
		},
		Rows:           req.Rows,
		Cols:           req.Cols,
		X11:            req.X11,
		Tunnels:        req.Tunnels,
		StrictHostKeys: req.StrictHostKeys,
	}
	switch {
	case req.PrivateKey != "":
		cfg.Credential.PrivateKey = []byte(req.PrivateKey)
	case req.KeyPath != "":
		pem, err := os.ReadFile(req.KeyPath)
		if err != nil {
			return cfg, err
		}
		cfg.Credential.PrivateKey = pem
	}
	return cfg, nil
}

// connectStatus maps a Connect failure to an HTTP status and error kind.
func connectStatus(err error) (int, session.ErrorKind) {
	var ce *session.ConnectError
	var ae *session.AuthError
	var he *hostkeys.HostKeyError
	switch {
	case errors.As(err, &he):
		return http.StatusConflict, session.ErrorHostKey
	case errors.As(err, &ae):
		return http.StatusUnauthorized, session.ErrorAuth
	case errors.As(err, &ce):
		if ce.Reason == session.ReasonTimeout {
			return http.StatusGatewayTimeout, session.ErrorConnect
		}
		return http.StatusBadGateway, session.ErrorConnect
	default:
		return http.StatusBadRequest, session.ErrorConnect
	}
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request, cfg session.Config) {
	wk, err := s.Sessions.Connect(r.Context(), cfg)
	if err != nil {
		status, kind := connectStatus(err)
		s.logger().Warn("api connect failed", "session", wk.ID(), "kind", string(kind), "err", err)
		writeJSON(w, status, map[string]interface{}{
			"detail":  err.Error(),
			"kind":    kind,
			"session": describeSession(wk, true),
		})
		return
	}
	writeJSON(w, http.StatusCreated, describeSession(wk, false))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read key: "+err.Error())
		return
	}
	s.connect(w, r, cfg)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeSession(wk, true))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Remove(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	events := wk.History()
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Type) == typ {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, events)
}

type resizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (s *Server) resizeSession(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	var req resizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := wk.Resize(req.Rows, req.Cols); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeSession(wk, false).Tunnels)
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	var spec session.TunnelSpec
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := wk.RequestTunnel(r.Context(), spec.LocalPort, spec.RemoteHost, spec.RemotePort)
	if err != nil {
		var be *tunnel.BindError
		switch {
		case errors.Is(err, session.ErrUnsupportedOperation):
			writeError(w, http.StatusNotImplemented, err.Error())
		case errors.Is(err, session.ErrSessionNotReady):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &be):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, tunnelInfo{Tunnel: t, Stats: t.Stats()})
}

func (s *Server) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	if err := wk.CloseTunnel(chi.URLParam(r, "tunnelId")); err != nil {
		if errors.Is(err, tunnel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tunnel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
