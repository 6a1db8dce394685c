package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/keymap"
	"github.com/Pequito/sessionvault/internal/logging"
	"github.com/Pequito/sessionvault/internal/session"
)

func (s *Server) listHostKeys(w http.ResponseWriter, r *http.Request) {
	entries, err := s.HostKeys.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) forgetHostKey(w http.ResponseWriter, r *http.Request) {
	host, err := url.PathUnescape(chi.URLParam(r, "host"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid host")
		return
	}
	if err := s.HostKeys.Forget(host); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Host key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := database.ListProfiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	var p database.Profile
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if _, err := ProfileTunnels(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.CreateProfile(&p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) importProfiles(w http.ResponseWriter, r *http.Request) {
	var profiles []database.Profile
	if err := decodeBody(w, r, &profiles); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, skipped, err := database.ImportProfiles(profiles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added, "skipped": skipped})
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteProfile(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type profileConnectRequest struct {
	Password   string `json:"password"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) connectProfile(w http.ResponseWriter, r *http.Request) {
	p, err := database.GetProfile(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var req profileConnectRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	cfg, err := ProfileConfig(p, session.Credential{
		Username:   p.Username,
		Password:   req.Password,
		Passphrase: []byte(req.Passphrase),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.connect(w, r, cfg)
}

type themeInfo struct {
	Name         string     `json:"name"`
	Foreground   string     `json:"foreground"`
	Background   string     `json:"background"`
	ANSI         [16]string `json:"ansi"`
	BoldIsBright bool       `json:"bold_is_bright"`
}

func (s *Server) getTheme(w http.ResponseWriter, r *http.Request) {
	p := s.palette()
	info := themeInfo{
		Name:         p.Name,
		Foreground:   p.Foreground.Hex(),
		Background:   p.Background.Hex(),
		BoldIsBright: p.BoldIsBright,
	}
	for i, c := range p.ANSI {
		info.ANSI[i] = c.Hex()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, keymap.Names())
}

func getLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"logs": content})
}

func clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
