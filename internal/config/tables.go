package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Hot table names accepted by Manager.Reload and the admin API.
const (
	TableRoutes    = "routes"
	TablePrivacy   = "privacy"
	TableEndpoints = "endpoints"
	TablePolicy    = "policy"
)

// PrivacyTable is the redaction dictionary hot table. Tickers and
// domains are treated as safe text the masker must not touch; names are
// aliases that always mask regardless of detector confidence.
type PrivacyTable struct {
	Tickers []string `yaml:"tickers"`
	Domains []string `yaml:"domains"`
	Names   []string `yaml:"names"`
}

type routesFile struct {
	Rules []schema.RoutingRule `yaml:"rules"`
}

func loadRoutes(path string) ([]schema.RoutingRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc routesFile
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.routes", err)
	}
	for i, r := range doc.Rules {
		if r.Action.SamplePct != nil {
			if p := *r.Action.SamplePct; p < 0 || p > 100 {
				return nil, buserr.New(buserr.Validation, "config.routes",
					"rule %d: sample_pct %.1f outside [0, 100]", i, p)
			}
		}
	}
	return doc.Rules, nil
}

func loadPrivacy(path string) (*PrivacyTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc PrivacyTable
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.privacy", err)
	}
	return &doc, nil
}

func loadEndpoints(path string) (*schema.EndpointCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc schema.EndpointCatalog
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.endpoints", err)
	}
	seen := make(map[string]bool, len(doc.Endpoints))
	for i, ep := range doc.Endpoints {
		if ep.ID == "" || ep.URL == "" {
			return nil, buserr.New(buserr.Validation, "config.endpoints",
				"endpoint %d: id and url are required", i)
		}
		if seen[ep.ID] {
			return nil, buserr.New(buserr.Validation, "config.endpoints",
				"duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	return &doc, nil
}

func loadPolicy(path string) (*schema.PolicyCaps, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc schema.PolicyCaps
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.policy", err)
	}
	if doc.OnHardBreach == "" {
		doc.OnHardBreach = "reject"
	}
	if doc.ScaleStep == 0 {
		doc.ScaleStep = 0.1
	}
	if doc.MinFactor == 0 {
		doc.MinFactor = 0.25
	}
	return &doc, nil
}
