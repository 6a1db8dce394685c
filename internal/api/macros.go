package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/Pequito/sessionvault/internal/macro"
	"github.com/Pequito/sessionvault/internal/session"
)

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Macros.StartRecording(id); err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownSession):
			writeError(w, http.StatusNotFound, "Session not found")
		case errors.Is(err, macro.ErrAlreadyRecording):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopRecording finalizes the capture; ?name= saves it.
func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Macros.StopRecording(chi.URLParam(r, "id"), r.URL.Query().Get("name"))
	if err != nil {
		if errors.Is(err, macro.ErrNotRecording) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listMacros(w http.ResponseWriter, r *http.Request) {
	names, err := s.Macros.Names()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func formatParam(r *http.Request) macro.Format {
	if r.URL.Query().Get("format") == "json" {
		return macro.FormatJSON
	}
	return macro.FormatYAML
}

func (s *Server) exportMacro(w http.ResponseWriter, r *http.Request) {
	f := formatParam(r)
	data, err := s.Macros.Export(chi.URLParam(r, "name"), f)
	if err != nil {
		if errors.Is(err, macro.ErrUnknownMacro) {
			writeError(w, http.StatusNotFound, "Macro not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if f == macro.FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/yaml")
	}
	w.Write(data)
}

func (s *Server) importMacro(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := s.Macros.Import(data, formatParam(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) deleteMacro(w http.ResponseWriter, r *http.Request) {
	if err := s.Macros.Delete(chi.URLParam(r, "name")); err != nil {
		if errors.Is(err, macro.ErrUnknownMacro) {
			writeError(w, http.StatusNotFound, "Macro not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replayRequest struct {
	Session string `json:"session"`
	Spec    string `json:"spec,omitempty"`
}

func replayStatus(err error) int {
	switch {
	case errors.Is(err, macro.ErrUnknownMacro), errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotReady):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// replayMacro starts a replay and returns immediately; the replay outlives
// the request.
func (s *Server) replayMacro(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	p, err := s.Macros.Replay(context.Background(), name, req.Session)
	if err != nil {
		writeError(w, replayStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"macro": p.Macro, "session": p.Target})
}

func (s *Server) scheduleMacro(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Spec == "" {
		writeError(w, http.StatusBadRequest, "spec is required")
		return
	}
	id, err := s.Macros.Schedule(req.Spec, chi.URLParam(r, "name"), req.Session)
	if err != nil {
		writeError(w, replayStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"entry_id": int(id)})
}

type scheduleInfo struct {
	EntryID int    `json:"entry_id"`
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	out := []scheduleInfo{}
	for _, e := range s.Macros.Scheduled() {
		info := scheduleInfo{EntryID: int(e.ID)}
		if !e.Next.IsZero() {
			info.Next = e.Next.Format("2006-01-02T15:04:05Z07:00")
		}
		if !e.Prev.IsZero() {
			info.Prev = e.Prev.Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "entryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}
	s.Macros.Unschedule(cron.EntryID(id))
	w.WriteHeader(http.StatusNoContent)
}
