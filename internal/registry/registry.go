// Package registry loads the static agent configuration and serves
// read-only lookups over it: the set of agents this gateway can spawn,
// and the public manifest synthesized for each one.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
	"github.com/mrorigo/acp2-gateway/pkg/util"
	"github.com/samber/lo"
)

// AgentConfig is a single entry loaded from the agents.json file.
type AgentConfig struct {
	Name        string   `json:"name"`
	Command     []string `json:"command"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
}

// AgentSummary is the public listing entry returned by GET /agents.
type AgentSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ManifestCapabilities advertises what a Run Orchestrator supports for an agent.
type ManifestCapabilities struct {
	Modes                []string `json:"modes"`
	SupportsStreaming    bool     `json:"supports_streaming"`
	SupportsCancellation bool     `json:"supports_cancellation"`
}

// AgentManifest is the public detail view returned by GET /agents/{name}.
type AgentManifest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Version      string               `json:"version"`
	Capabilities ManifestCapabilities `json:"capabilities"`
}

// Registry is an in-memory, read-only lookup over configured agents.
//
// Loaded once at construction from a JSON file; Reload() re-reads it
// explicitly. There is no file watching.
type Registry struct {
	path string

	mu     sync.RWMutex
	agents map[string]AgentConfig
}

// New creates a Registry and performs the initial load. Fails the same way
// a missing or malformed agents.json would at startup — this is a startup
// error, not a per-request one.
func New(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the configuration file from disk.
func (r *Registry) Reload() error {
	logger.Debug("registry: loading agents configuration", "path", r.path)

	data, err := os.ReadFile(r.path)
	if err != nil {
		return apperrors.Wrapf(err, "Registry.Reload", "agents configuration not found: %s", r.path)
	}

	var raw map[string]AgentConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Wrap(err, "Registry.Reload", "parse agents configuration")
	}

	// Ensure Name is populated even when the JSON key is the only identifier.
	for name, cfg := range raw {
		if cfg.Name == "" {
			cfg.Name = name
			raw[name] = cfg
		}
	}

	r.mu.Lock()
	r.agents = raw
	r.mu.Unlock()
	return nil
}

// List returns every configured agent as a stable-ordered summary slice.
func (r *Registry) List() []AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.agents)
	sort.Strings(names)

	return lo.Map(names, func(name string, _ int) AgentSummary {
		cfg := r.agents[name]
		return AgentSummary{Name: cfg.Name, Description: cfg.Description}
	})
}

// Get retrieves a single agent's configuration, or ErrNotFound.
func (r *Registry) Get(name string) (AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.agents[name]
	if !ok {
		return AgentConfig{}, apperrors.Wrapf(apperrors.ErrNotFound, "Registry.Get", "unknown agent: %s", name)
	}
	return cfg, nil
}

// ManifestFor synthesizes the public manifest for a configured agent.
func (r *Registry) ManifestFor(name string) (AgentManifest, error) {
	cfg, err := r.Get(name)
	if err != nil {
		return AgentManifest{}, err
	}

	description := util.FirstNonEmpty(cfg.Description, fmt.Sprintf("agent '%s' exposed over Agent-RPC", cfg.Name))
	version := util.FirstNonEmpty(cfg.Version, "0.1.0")

	return AgentManifest{
		Name:        cfg.Name,
		Description: description,
		Version:     version,
		Capabilities: ManifestCapabilities{
			Modes:                []string{"sync", "stream"},
			SupportsStreaming:    true,
			SupportsCancellation: true,
		},
	}, nil
}
