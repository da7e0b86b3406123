// Package router resolves webhook topics to destinations and delivers them.
//
// The route table is an ordered list supplied at construction time. The first
// route whose prefix matches the topic wins, regardless of how specific later
// routes are, so more specific prefixes must be declared first.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Route maps a topic prefix to a destination.
type Route struct {
	Prefix      string            `yaml:"prefix" json:"prefix"`
	Destination string            `yaml:"destination" json:"destination"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Raw posts the payload unchanged instead of wrapping it in an envelope.
	Raw bool `yaml:"raw,omitempty" json:"raw,omitempty"`
}

// Envelope is the body posted to destinations.
type Envelope struct {
	Topic     string          `json:"topic"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Outcome describes what Deliver did with a topic.
type Outcome struct {
	Routed      bool
	Destination string
	Status      int
}

// DeliveryError reports a destination that answered with a non-2xx status.
type DeliveryError struct {
	Destination string
	Status      int
	Body        string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: %d %s", e.Status, http.StatusText(e.Status))
}

// ObjectWriter stores archived envelopes for s3:// destinations.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// Options configures a Router.
type Options struct {
	HTTPClient *http.Client
	Archive    ObjectWriter
	// Source is sent as X-Webhook-Source.
	Source string
	Logger *slog.Logger
	Now    func() time.Time
}

// Router delivers topics to the first matching route.
type Router struct {
	routes  []Route
	client  *http.Client
	archive ObjectWriter
	source  string
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a router over an ordered route list.
func New(routes []Route, opts Options) *Router {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	source := opts.Source
	if source == "" {
		source = "ops-drain"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		routes:  append([]Route(nil), routes...),
		client:  client,
		archive: opts.Archive,
		source:  source,
		logger:  logger,
		now:     now,
	}
}

// Routes returns a copy of the route table in declaration order.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// Resolve returns the first route whose prefix matches topic. A matching
// route with an empty destination counts as a miss.
func (r *Router) Resolve(topic string) (Route, bool) {
	for _, rt := range r.routes {
		if strings.HasPrefix(topic, rt.Prefix) {
			return rt, rt.Destination != ""
		}
	}
	return Route{}, false
}

// Deliver sends payload for topic to its destination. An unrouted topic is
// logged and reported through Outcome.Routed; it is not an error.
func (r *Router) Deliver(ctx context.Context, topic string, payload json.RawMessage) (Outcome, error) {
	rt, ok := r.Resolve(topic)
	if !ok {
		r.logger.Warn("no route configured for topic", "topic", topic)
		return Outcome{}, nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	ts := r.now().UTC()
	body := []byte(payload)
	if !rt.Raw {
		var err error
		body, err = json.Marshal(Envelope{Topic: topic, Timestamp: ts.Format(time.RFC3339Nano), Data: payload})
		if err != nil {
			return Outcome{}, fmt.Errorf("encode envelope: %w", err)
		}
	}

	if bucket, prefix, ok := parseS3(rt.Destination); ok {
		return r.deliverS3(ctx, rt, bucket, prefix, topic, ts, body)
	}
	return r.deliverHTTP(ctx, rt, topic, body)
}

func (r *Router) deliverHTTP(ctx context.Context, rt Route, topic string, body []byte) (Outcome, error) {
	out := Outcome{Routed: true, Destination: rt.Destination}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.Destination, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Topic", topic)
	req.Header.Set("X-Webhook-Source", r.source)
	for k, v := range rt.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("post %s: %w", rt.Destination, err)
	}
	defer resp.Body.Close()
	out.Status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, &DeliveryError{Destination: rt.Destination, Status: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return out, nil
}

func (r *Router) deliverS3(ctx context.Context, rt Route, bucket, prefix, topic string, ts time.Time, body []byte) (Outcome, error) {
	out := Outcome{Routed: true, Destination: rt.Destination}
	if r.archive == nil {
		return out, fmt.Errorf("route %q targets %s but no archive writer is configured", rt.Prefix, rt.Destination)
	}
	key := archiveKey(prefix, topic, ts)
	if err := r.archive.PutObject(ctx, bucket, key, body, "application/json"); err != nil {
		return out, fmt.Errorf("archive %s: %w", key, err)
	}
	return out, nil
}

func parseS3(dest string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found || rest == "" {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/"), bucket != ""
}

// archiveKey lays objects out as <prefix>/<topic>/<date>/<unix-nanos>.json.
func archiveKey(prefix, topic string, ts time.Time) string {
	name := fmt.Sprintf("%s/%s/%d.json", strings.ReplaceAll(topic, "/", "_"), ts.Format("2006-01-02"), ts.UnixNano())
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
