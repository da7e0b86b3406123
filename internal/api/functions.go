package api

import (
	"errors"
	"io"
	"net/http"

	"odoo-ops-relay/internal/syncengine"
)

const maxBody = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// readBody reads at most maxBody bytes and rejects anything longer instead
// of handing a truncated body to the caller.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, errors.New("unreadable body")
	}
	if len(body) > maxBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	sum, err := s.drain.Run(r.Context())
	if err != nil {
		s.logger.Error("drain failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.RequireDispatcher(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !s.allow(w, r) {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), body)
	if err != nil {
		s.logger.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, res.HTTPStatus, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.RequireSync(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	mode, err := syncengine.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.sync.Run(r.Context(), mode, r.URL.Query().Get("model"))
	if err != nil {
		s.logger.Error("odoo sync failed", "mode", mode, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}
