// Package odoo is a minimal JSON-RPC client for the Odoo web API.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Credentials identify an Odoo user on a database.
type Credentials struct {
	URL      string
	DB       string
	Username string
	Password string
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	var data struct {
		Message string `json:"message"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &data) == nil && data.Message != "" {
		return fmt.Sprintf("odoo rpc error %d: %s: %s", e.Code, e.Message, data.Message)
	}
	return fmt.Sprintf("odoo rpc error %d: %s", e.Code, e.Message)
}

// ErrNoSession is returned when authentication succeeds at the HTTP level but
// no session cookie is issued.
var ErrNoSession = errors.New("odoo auth returned no session cookie")

// Client issues JSON-RPC calls against one Odoo instance.
type Client struct {
	creds  Credentials
	http   *http.Client
	nextID atomic.Int64
}

func NewClient(creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	creds.URL = strings.TrimRight(creds.URL, "/")
	return &Client{creds: creds, http: httpClient}
}

// Session is an authenticated handle. It holds the session cookie for its
// own lifetime only; nothing is cached on the Client.
type Session struct {
	client *Client
	cookie string
	UID    int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Authenticate opens a session with the configured credentials.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	params := map[string]string{
		"db":       c.creds.DB,
		"login":    c.creds.Username,
		"password": c.creds.Password,
	}
	result, header, err := c.call(ctx, "/web/session/authenticate", "", params)
	if err != nil {
		return nil, fmt.Errorf("odoo auth: %w", err)
	}

	cookie := sessionCookie(header)
	if cookie == "" {
		return nil, ErrNoSession
	}
	var info struct {
		UID json.RawMessage `json:"uid"`
	}
	_ = json.Unmarshal(result, &info)
	var uid int64
	if err := json.Unmarshal(info.UID, &uid); err != nil || uid == 0 {
		return nil, errors.New("odoo auth: invalid credentials")
	}
	return &Session{client: c, cookie: cookie, UID: uid}, nil
}

// sessionCookie keeps only the name=value part of the first Set-Cookie.
func sessionCookie(h http.Header) string {
	for _, raw := range h.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(raw, ";")
		if strings.HasPrefix(strings.TrimSpace(pair), "session_id=") {
			return strings.TrimSpace(pair)
		}
	}
	if raw := h.Get("Set-Cookie"); raw != "" {
		pair, _, _ := strings.Cut(raw, ";")
		return strings.TrimSpace(pair)
	}
	return ""
}

func (c *Client) call(ctx context.Context, path, cookie string, params any) (json.RawMessage, http.Header, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "call", Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, nil, fmt.Errorf("encode rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.URL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.Header, fmt.Errorf("http %d from %s", resp.StatusCode, path)
	}
	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, resp.Header, fmt.Errorf("decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return nil, resp.Header, rr.Error
	}
	return rr.Result, resp.Header, nil
}

// CallKW invokes model.method(*args, **kwargs).
func (s *Session) CallKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := map[string]any{
		"model":  model,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	}
	result, _, err := s.client.call(ctx, "/web/dataset/call_kw", s.cookie, params)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", model, method, err)
	}
	return result, nil
}

// SearchReadOptions page a search_read call.
type SearchReadOptions struct {
	Fields []string
	Limit  int
	Offset int
	Order  string
}

// SearchRead returns the raw records matching domain.
func (s *Session) SearchRead(ctx context.Context, model string, domain []any, opts SearchReadOptions) ([]json.RawMessage, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{
		"fields": opts.Fields,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	raw, err := s.CallKW(ctx, model, "search_read", []any{domain}, kwargs)
	if err != nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s records: %w", model, err)
	}
	return records, nil
}

// Write updates the record id with vals.
func (s *Session) Write(ctx context.Context, model string, id int64, vals map[string]any) error {
	_, err := s.CallKW(ctx, model, "write", []any{[]int64{id}, vals}, nil)
	return err
}

// Create inserts a record and returns its id.
func (s *Session) Create(ctx context.Context, model string, vals map[string]any) (int64, error) {
	raw, err := s.CallKW(ctx, model, "create", []any{vals}, nil)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	// Newer servers answer create with a list of ids.
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil || len(ids) == 0 {
		return 0, fmt.Errorf("unexpected create result %s", raw)
	}
	return ids[0], nil
}
