package odoo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type rpcCall struct {
	Path   string
	Cookie string
	Params map[string]json.RawMessage
}

func newFakeOdoo(t *testing.T, handle func(call rpcCall) (any, *RPCError)) (*httptest.Server, *[]rpcCall) {
	t.Helper()
	var calls []rpcCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string                     `json:"jsonrpc"`
			Params  map[string]json.RawMessage `json:"params"`
			ID      int64                      `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JSONRPC != "2.0" {
			http.Error(w, "bad rpc", http.StatusBadRequest)
			return
		}
		call := rpcCall{Path: r.URL.Path, Cookie: r.Header.Get("Cookie"), Params: req.Params}
		calls = append(calls, call)
		if r.URL.Path == "/web/session/authenticate" {
			http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "s3cr3t", Path: "/", HttpOnly: true})
		}
		result, rpcErr := handle(call)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestAuthenticateKeepsSessionCookie(t *testing.T) {
	srv, calls := newFakeOdoo(t, func(call rpcCall) (any, *RPCError) {
		switch call.Path {
		case "/web/session/authenticate":
			return map[string]any{"uid": 2}, nil
		case "/web/dataset/call_kw":
			return []map[string]any{{"id": 1, "name": "Acme"}}, nil
		}
		return nil, &RPCError{Code: 404, Message: "not found"}
	})

	c := NewClient(Credentials{URL: srv.URL + "/", DB: "prod", Username: "bot", Password: "pw"}, srv.Client())
	sess, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.UID != 2 {
		t.Fatalf("unexpected uid %d", sess.UID)
	}

	records, err := sess.SearchRead(context.Background(), "res.partner", nil, SearchReadOptions{Fields: []string{"id", "name"}, Limit: 200, Offset: 400, Order: "id asc"})
	if err != nil {
		t.Fatalf("search_read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	got := *calls
	if len(got) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(got))
	}
	var login string
	_ = json.Unmarshal(got[0].Params["login"], &login)
	if login != "bot" {
		t.Fatalf("unexpected login %q", login)
	}
	if got[1].Cookie != "session_id=s3cr3t" {
		t.Fatalf("session cookie not forwarded: %q", got[1].Cookie)
	}
	var method string
	_ = json.Unmarshal(got[1].Params["method"], &method)
	var kwargs map[string]any
	_ = json.Unmarshal(got[1].Params["kwargs"], &kwargs)
	if method != "search_read" || kwargs["offset"].(float64) != 400 || kwargs["limit"].(float64) != 200 || kwargs["order"] != "id asc" {
		t.Fatalf("unexpected call_kw: method=%s kwargs=%v", method, kwargs)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	srv, _ := newFakeOdoo(t, func(call rpcCall) (any, *RPCError) {
		return nil, &RPCError{Code: 200, Message: "Odoo Server Error", Data: json.RawMessage(`{"message":"Access Denied"}`)}
	})
	c := NewClient(Credentials{URL: srv.URL}, srv.Client())
	_, err := c.Authenticate(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Error() != "odoo rpc error 200: Odoo Server Error: Access Denied" {
		t.Fatalf("unexpected message %q", rpcErr.Error())
	}

	noCookie := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"uid":2}}`))
	}))
	defer noCookie.Close()
	if _, err := NewClient(Credentials{URL: noCookie.URL}, nil).Authenticate(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	badUID, _ := newFakeOdoo(t, func(call rpcCall) (any, *RPCError) {
		return map[string]any{"uid": false}, nil
	})
	if _, err := NewClient(Credentials{URL: badUID.URL}, nil).Authenticate(context.Background()); err == nil {
		t.Fatalf("expected error for uid=false")
	}
}

func TestWriteAndCreate(t *testing.T) {
	srv, calls := newFakeOdoo(t, func(call rpcCall) (any, *RPCError) {
		if call.Path == "/web/session/authenticate" {
			return map[string]any{"uid": 2}, nil
		}
		var method string
		_ = json.Unmarshal(call.Params["method"], &method)
		switch method {
		case "write":
			return true, nil
		case "create":
			return 91, nil
		}
		return nil, &RPCError{Code: 1, Message: "unexpected"}
	})
	c := NewClient(Credentials{URL: srv.URL}, nil)
	sess, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := sess.Write(context.Background(), "res.partner", 7, map[string]any{"name": "Acme"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, err := sess.Create(context.Background(), "res.partner", map[string]any{"name": "New"})
	if err != nil || id != 91 {
		t.Fatalf("create: id=%d err=%v", id, err)
	}

	var args []json.RawMessage
	_ = json.Unmarshal((*calls)[1].Params["args"], &args)
	if len(args) != 2 || string(args[0]) != "[7]" {
		t.Fatalf("unexpected write args: %s", (*calls)[1].Params["args"])
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := NewClient(Credentials{URL: srv.URL}, nil).Authenticate(context.Background()); err == nil {
		t.Fatalf("expected error on 502")
	}
}
