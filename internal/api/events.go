package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"odoo-ops-relay/internal/store"
	"odoo-ops-relay/internal/telemetry"
)

type eventRequest struct {
	Topic          string          `json:"topic"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id"`
	DelaySeconds   int64           `json:"delay_seconds"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.cfg.HMACSecret != "" && !validSignature(raw, r.Header.Get("X-Signature"), s.cfg.HMACSecret) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}
	if !s.allow(w, r) {
		return
	}

	var req eventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	topic := req.Topic
	if topic == "" {
		topic = req.EventType
	}
	if topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.CorrelationID
	}
	var runAt time.Time
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(eventDelay(req.DelaySeconds))
	}

	job, err := s.store.EnqueueJob(r.Context(), store.EnqueueJobParams{
		Topic:          topic,
		Payload:        req.Payload,
		IdempotencyKey: key,
		RunAt:          runAt,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, lookupErr := s.store.JobByIdempotencyKey(r.Context(), key)
		if lookupErr != nil {
			writeError(w, http.StatusInternalServerError, lookupErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true, "id": existing.ID, "topic": topic})
		return
	}
	if err != nil {
		s.logger.Error("enqueue event", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	telemetry.EventsIngested.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": job.ID, "topic": topic})
}

// maxEventDelay bounds delay_seconds.
const maxEventDelay = 30 * 24 * time.Hour

func eventDelay(seconds int64) time.Duration {
	if seconds > int64(maxEventDelay/time.Second) {
		return maxEventDelay
	}
	return time.Duration(seconds) * time.Second
}

// validSignature checks a hex HMAC-SHA256 of the raw body in constant time.
func validSignature(body []byte, sig, secret string) bool {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type outboxRequest struct {
	Model     string          `json:"model"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	var req outboxRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if req.Model == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, errors.New("model and operation are required"))
		return
	}
	item, err := s.store.EnqueueOutbox(r.Context(), store.EnqueueOutboxParams{
		Model:     req.Model,
		Operation: req.Operation,
		Payload:   req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "item": item})
}
