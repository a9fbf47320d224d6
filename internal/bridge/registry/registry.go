// Package registry describes the agent CLI families the bridge can
// supervise and how to talk to each of them.
package registry

import (
	"fmt"
	"sync"
)

// Dialect identifiers, matching the decoder names.
const (
	DialectCodexEvent    = "codex-event"
	DialectSessionUpdate = "session-update"
)

// AgentFamily describes one supported agent CLI.
type AgentFamily struct {
	// ID is the stable identifier used in API requests, e.g. "codex".
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Dialect selects the notification decoder.
	Dialect string `json:"dialect"`

	// Executables are candidate binary names, first resolved wins. A
	// configured path override takes precedence over all of them.
	Executables []string `json:"executables"`

	// Args is the argv that puts the CLI into protocol mode.
	Args []string `json:"args"`

	// OmitsProtocolVersion marks families that drop the jsonrpc field
	// from their frames.
	OmitsProtocolVersion bool `json:"omits_protocol_version,omitempty"`

	// DefaultsToThought marks builds that emit interim thinking as
	// unmarked content blocks.
	DefaultsToThought bool `json:"defaults_to_thought,omitempty"`

	// RequiredEnv lists credentials the CLI needs to authenticate.
	RequiredEnv []string `json:"required_env,omitempty"`
}

// DefaultFamilies returns the built-in agent families.
func DefaultFamilies() []*AgentFamily {
	return []*AgentFamily{
		{
			ID:                   "codex",
			Name:                 "Codex CLI",
			Dialect:              DialectCodexEvent,
			Executables:          []string{"codex"},
			Args:                 []string{"proto"},
			OmitsProtocolVersion: true,
			RequiredEnv:          []string{"OPENAI_API_KEY"},
		},
		{
			ID:                "gemini",
			Name:              "Gemini CLI",
			Dialect:           DialectSessionUpdate,
			Executables:       []string{"gemini"},
			Args:              []string{"--experimental-acp"},
			DefaultsToThought: true,
			RequiredEnv:       []string{"GEMINI_API_KEY"},
		},
		{
			ID:          "qwen",
			Name:        "Qwen Code CLI",
			Dialect:     DialectSessionUpdate,
			Executables: []string{"qwen"},
			Args:        []string{"--experimental-acp"},
		},
	}
}

// Registry holds the known agent families.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*AgentFamily
}

// NewRegistry creates a registry seeded with the default families.
func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*AgentFamily)}
	for _, family := range DefaultFamilies() {
		r.families[family.ID] = family
	}
	return r
}

// Get returns the family with the given ID.
func (r *Registry) Get(id string) (*AgentFamily, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	family, ok := r.families[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent family: %s", id)
	}
	return family, nil
}

// List returns all registered families.
func (r *Registry) List() []*AgentFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentFamily, 0, len(r.families))
	for _, family := range r.families {
		out = append(out, family)
	}
	return out
}

// Register adds or replaces a family.
func (r *Registry) Register(family *AgentFamily) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[family.ID] = family
}
