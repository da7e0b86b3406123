package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/store"
)

func newStore(t *testing.T) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func farFuture() time.Time { return time.Now().Add(time.Hour) }

func TestDispatchDeliversAndClosesJob(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(st, srv.URL, "key-1", srv.Client(), nil)
	body := json.RawMessage(`{"idempotency_key":"abc","model":"res.partner"}`)
	res, err := d.Dispatch(ctx, body)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.OK || res.HTTPStatus != http.StatusOK || res.Status != http.StatusOK || res.IdempotencyKey != "abc" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotAuth != "Bearer key-1" || gotBody != string(body) {
		t.Fatalf("unexpected request: auth=%q body=%q", gotAuth, gotBody)
	}

	job, err := st.JobByIdempotencyKey(ctx, "abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if job.Topic != Topic || job.Status != models.JobDone {
		t.Fatalf("delivered job should be closed: %+v", job)
	}
}

func TestDispatchDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(st, srv.URL, "k", srv.Client(), nil)
	body := json.RawMessage(`{"idempotency_key":"dup-1"}`)
	for i := 0; i < 3; i++ {
		res, err := d.Dispatch(ctx, body)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if res.OK || res.HTTPStatus != http.StatusBadGateway || res.Status != http.StatusServiceUnavailable {
			t.Fatalf("dispatch %d: unexpected result %+v", i, res)
		}
		if res.Duplicate != (i > 0) {
			t.Fatalf("dispatch %d: duplicate flag %v", i, res.Duplicate)
		}
	}

	due, err := st.DueJobs(ctx, farFuture(), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 1 || due[0].Status != models.JobPending {
		t.Fatalf("expected a single pending row, got %+v", due)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected an immediate attempt per call, got %d", calls.Load())
	}
}

func TestDispatchTransportErrorIsAccepted(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := New(st, url, "k", nil, nil)
	d.newKey = func() string { return "generated-key" }
	res, err := d.Dispatch(ctx, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.OK || res.HTTPStatus != http.StatusAccepted || res.Error == "" || res.IdempotencyKey != "generated-key" {
		t.Fatalf("unexpected result: %+v", res)
	}
	job, err := st.JobByIdempotencyKey(ctx, "generated-key")
	if err != nil || job.Status != models.JobPending {
		t.Fatalf("job should remain pending for the drain: %+v err=%v", job, err)
	}
}

func TestDispatchGeneratesUniqueKeys(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New(st, srv.URL, "k", srv.Client(), nil)
	a, _ := d.Dispatch(ctx, json.RawMessage(`{"model":"res.partner"}`))
	b, _ := d.Dispatch(ctx, json.RawMessage(`{"model":"res.partner"}`))
	if a.IdempotencyKey == "" || a.IdempotencyKey == b.IdempotencyKey {
		t.Fatalf("expected distinct generated keys: %q %q", a.IdempotencyKey, b.IdempotencyKey)
	}
	if a.Duplicate || b.Duplicate {
		t.Fatalf("keyless requests must not collide")
	}
}

func TestDispatchTreatsMalformedBodyAsEmptyObject(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(st, srv.URL, "k", srv.Client(), nil)
	for _, body := range []string{`{not json`, `{"idempotency_key":42}`} {
		res, err := d.Dispatch(ctx, json.RawMessage(body))
		if err != nil {
			t.Fatalf("dispatch %s: %v", body, err)
		}
		if !res.OK || res.IdempotencyKey == "" {
			t.Fatalf("dispatch %s: unexpected result %+v", body, res)
		}
	}
	if len(bodies) != 2 || bodies[0] != "{}" || bodies[1] != `{"idempotency_key":42}` {
		t.Fatalf("unexpected forwarded bodies: %q", bodies)
	}
}
