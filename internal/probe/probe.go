// Package probe defines the per-cloud evidence collection contract and the
// registry of supported collector kinds.
//
// Probes are pure I/O adapters: they never touch the store or the message
// bus. The agent runtime drives them page by page through Collect and hands
// every draft to the evidence pipeline.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

// Health is the result of a probe healthcheck.
type Health struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Probe is the collection contract implemented once per cloud.
type Probe interface {
	Kind() model.AgentKind
	// Collect returns one page of drafts starting at cursor. done is true
	// when the final page has been returned; next is the resume cursor
	// otherwise.
	Collect(ctx context.Context, cursor string) (drafts []model.Draft, next string, done bool, err error)
	// Healthcheck reports reachability of the underlying source.
	Healthcheck(ctx context.Context) Health
}

// Metadata is the static description of one registered probe kind.
type Metadata struct {
	Kind             model.AgentKind
	EvidenceKinds    []string
	Frameworks       map[string][]model.Framework // per evidence kind
	CredentialFields []string                     // required config keys
	DefaultCadence   time.Duration
	ConcurrencyCap   int
}

// Factory builds a probe instance from agent config.
type Factory func(cfg map[string]string) (Probe, error)

type entry struct {
	meta    Metadata
	factory Factory
}

// Registry maps agent kinds to probe metadata and constructors. The
// orchestrator refuses to create agents whose kind is not registered here.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.AgentKind]entry
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.AgentKind]entry)}
}

// Register adds or replaces a probe kind.
func (r *Registry) Register(meta Metadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[meta.Kind] = entry{meta: meta, factory: factory}
}

// Lookup returns the metadata for a kind.
func (r *Registry) Lookup(kind model.AgentKind) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e.meta, ok
}

// Kinds lists all registered kinds, sorted.
func (r *Registry) Kinds() []model.AgentKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AgentKind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateConfig checks the agent config against the kind's required
// credential fields.
func (r *Registry) ValidateConfig(kind model.AgentKind, cfg map[string]string) error {
	meta, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("unknown agent kind %q: %w", kind, fault.ErrConfig)
	}
	missing := make([]string, 0)
	for _, field := range meta.CredentialFields {
		if strings.TrimSpace(cfg[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent kind %s: missing config fields %s: %w",
			kind, strings.Join(missing, ", "), fault.ErrConfig)
	}
	return nil
}

// New validates the config and builds a probe for the kind.
func (r *Registry) New(kind model.AgentKind, cfg map[string]string) (Probe, error) {
	if err := r.ValidateConfig(kind, cfg); err != nil {
		return nil, err
	}
	r.mu.RLock()
	e := r.entries[kind]
	r.mu.RUnlock()
	return e.factory(cfg)
}
