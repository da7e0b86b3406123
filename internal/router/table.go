package router

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"odoo-ops-relay/internal/config"
)

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadFile reads an ordered route table from YAML:
//
//	routes:
//	  - prefix: github.issue
//	    destination: https://erp.example.com/pulser_hub/github/issue
//	  - prefix: archive
//	    destination: s3://ops-archive/webhooks
//
// Destinations and header values are expanded against the environment.
func LoadFile(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML route table.
func Parse(data []byte) ([]Route, error) {
	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	for i := range f.Routes {
		rt := &f.Routes[i]
		if strings.TrimSpace(rt.Prefix) == "" {
			return nil, fmt.Errorf("route %d: prefix is required", i)
		}
		rt.Destination = os.ExpandEnv(rt.Destination)
	}
	if len(f.Routes) == 0 {
		return nil, errors.New("routes file declares no routes")
	}
	return f.Routes, nil
}

// DefaultRoutes builds the stock routing table from configuration. Order
// matters: specific github prefixes precede anything broader.
func DefaultRoutes(cfg config.Config) []Route {
	erp := func(path string) string {
		if cfg.OdooBaseURL == "" {
			return ""
		}
		return cfg.OdooBaseURL + path
	}
	routes := []Route{
		{Prefix: "github.issue", Destination: erp("/pulser_hub/github/issue")},
		{Prefix: "github.pull_request", Destination: erp("/pulser_hub/github/pr")},
		{Prefix: "security", Destination: erp("/api/security/alert")},
		{Prefix: "invoice", Destination: erp("/api/alerts/invoice")},
		{Prefix: "ticket", Destination: cfg.SlackWebhookURL},
		{Prefix: "workflow", Destination: cfg.NotionPagesURL},
		{Prefix: "odoo_sync", Destination: erp("/api/sync"), Raw: true},
	}
	if cfg.OdooAPIKey != "" {
		routes[len(routes)-1].Headers = map[string]string{"Authorization": "Bearer " + cfg.OdooAPIKey}
	}
	return routes
}

// Load returns the table from cfg.RoutesFile when set, else DefaultRoutes.
func Load(cfg config.Config) ([]Route, error) {
	if cfg.RoutesFile != "" {
		return LoadFile(cfg.RoutesFile)
	}
	return DefaultRoutes(cfg), nil
}
