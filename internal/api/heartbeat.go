package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"odoo-ops-relay/internal/drain"
	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/syncengine"
	"odoo-ops-relay/internal/telemetry"
)

// knownHeartbeatSources get their own metric label; anything else a caller
// posts is counted under "other".
var knownHeartbeatSources = map[string]bool{
	drain.HeartbeatSource:      true,
	syncengine.HeartbeatSource: true,
	"synthetic_order_flow":     true,
}

func heartbeatLabel(source string) string {
	if knownHeartbeatSources[source] {
		return source
	}
	return "other"
}

type heartbeatRequest struct {
	Source string          `json:"source"`
	Status string          `json:"status"`
	Meta   json.RawMessage `json:"meta"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}
	if req.Status == "" {
		req.Status = models.HeartbeatOK
	}
	if req.Status != models.HeartbeatOK && req.Status != models.HeartbeatFail {
		writeError(w, http.StatusBadRequest, errors.New("status must be ok or fail"))
		return
	}

	hb, err := s.store.RecordHeartbeat(r.Context(), req.Source, req.Status, req.Meta)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	telemetry.HeartbeatsWritten.WithLabelValues(heartbeatLabel(hb.Source), hb.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": hb.CreatedAt})
}

func (s *Server) handleListHeartbeats(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, 500)
	}
	items, err := s.store.RecentHeartbeats(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []models.Heartbeat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
