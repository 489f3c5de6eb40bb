package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Manager holds the static configuration plus the four hot tables.
// Tables swap atomically under the lock; readers keep the last good
// version, so a malformed reload never degrades a running table.
type Manager struct {
	cfg *Config
	log zerolog.Logger

	mu        sync.RWMutex
	routes    []schema.RoutingRule
	privacy   *PrivacyTable
	endpoints *schema.EndpointCatalog
	policy    *schema.PolicyCaps
	versions  map[string]int
	listeners []func(table string)
}

// NewManager loads every hot table once. A missing table file falls
// back to a built-in empty default; a malformed one fails startup.
func NewManager(cfg *Config, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		log:       log.With().Str("component", "config").Logger(),
		privacy:   &PrivacyTable{},
		endpoints: &schema.EndpointCatalog{},
		policy:    &schema.PolicyCaps{OnHardBreach: "reject", ScaleStep: 0.1, MinFactor: 0.25},
		versions:  map[string]int{TableRoutes: 0, TablePrivacy: 0, TableEndpoints: 0, TablePolicy: 0},
	}
	for _, table := range []string{TableRoutes, TablePrivacy, TableEndpoints, TablePolicy} {
		if err := m.Reload(table); err != nil {
			if os.IsNotExist(err) {
				m.log.Debug().Str("table", table).Msg("table file absent, using defaults")
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// Static returns the immutable startup configuration.
func (m *Manager) Static() *Config { return m.cfg }

// Routes returns the current routing rules in file order.
func (m *Manager) Routes() []schema.RoutingRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes
}

// Privacy returns the current redaction dictionary.
func (m *Manager) Privacy() *PrivacyTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.privacy
}

// Endpoints returns the current endpoint catalog.
func (m *Manager) Endpoints() *schema.EndpointCatalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints
}

// Policy returns the current portfolio cap table.
func (m *Manager) Policy() *schema.PolicyCaps {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Versions reports how many times each table has been loaded.
func (m *Manager) Versions() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.versions))
	for k, v := range m.versions {
		out[k] = v
	}
	return out
}

// OnReload registers a callback invoked after a successful table swap.
// Callbacks run on the reloading goroutine and must not block.
func (m *Manager) OnReload(fn func(table string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload re-reads one table from disk and swaps it in. On parse or
// validation failure the previous table stays active and the error is
// returned to the caller.
func (m *Manager) Reload(table string) error {
	var swap func()
	switch table {
	case TableRoutes:
		rules, err := loadRoutes(m.cfg.Tables.RoutesFile)
		if err != nil {
			return err
		}
		swap = func() { m.routes = rules }
	case TablePrivacy:
		priv, err := loadPrivacy(m.cfg.Tables.PrivacyFile)
		if err != nil {
			return err
		}
		swap = func() { m.privacy = priv }
	case TableEndpoints:
		cat, err := loadEndpoints(m.cfg.Tables.EndpointsFile)
		if err != nil {
			return err
		}
		swap = func() { m.endpoints = cat }
	case TablePolicy:
		pol, err := loadPolicy(m.cfg.Tables.PolicyFile)
		if err != nil {
			return err
		}
		swap = func() { m.policy = pol }
	default:
		return buserr.New(buserr.Validation, "config.reload", "unknown table %q", table)
	}

	m.mu.Lock()
	swap()
	m.versions[table]++
	version := m.versions[table]
	listeners := make([]func(string), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Info().Str("table", table).Int("version", version).Msg("table reloaded")
	for _, fn := range listeners {
		fn(table)
	}
	return nil
}

// TableForPath maps a table file path back to its table name. The file
// watcher uses it to translate fs events into reloads.
func (m *Manager) TableForPath(path string) (string, bool) {
	switch filepath.Clean(path) {
	case filepath.Clean(m.cfg.Tables.RoutesFile):
		return TableRoutes, true
	case filepath.Clean(m.cfg.Tables.PrivacyFile):
		return TablePrivacy, true
	case filepath.Clean(m.cfg.Tables.EndpointsFile):
		return TableEndpoints, true
	case filepath.Clean(m.cfg.Tables.PolicyFile):
		return TablePolicy, true
	}
	return "", false
}
