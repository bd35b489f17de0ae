package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownProvider is returned when a name has no registered factory.
var ErrUnknownProvider = errors.New("unknown provider")

// The default factory tables, populated by provider package init
// functions at link time.
var (
	defaultMu         sync.RWMutex
	inputFactories    = make(map[string]InputFactory)
	decisionFactories = make(map[string]DecisionFactory)
	outputFactories   = make(map[string]OutputFactory)
)

// RegisterInput publishes an input provider constructor. Called from
// provider package init functions; later registrations replace earlier
// ones.
func RegisterInput(name string, factory InputFactory) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	inputFactories[name] = factory
}

// RegisterDecision publishes a decision provider constructor.
func RegisterDecision(name string, factory DecisionFactory) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	decisionFactories[name] = factory
}

// RegisterOutput publishes an output provider constructor.
func RegisterOutput(name string, factory OutputFactory) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	outputFactories[name] = factory
}

// Record is one registry entry's public view.
type Record struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	State State  `json:"state"`
	// Err carries the failure message when State is failed.
	Err string `json:"error,omitempty"`
}

type entry struct {
	name  string
	kind  Kind
	state State
	err   error
}

// Registry tracks provider construction and lifecycle states. One
// instance serves all three domains.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

func entryKey(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// SetState transitions a provider's lifecycle state.
func (r *Registry) SetState(kind Kind, name string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryKey(kind, name)]
	if !ok {
		e = &entry{name: name, kind: kind}
		r.entries[entryKey(kind, name)] = e
	}
	e.state = state
	if state != StateFailed {
		e.err = nil
	}
}

// SetFailed marks a provider failed with its error. The failure is
// isolated: callers log and continue with the remaining providers.
func (r *Registry) SetFailed(kind Kind, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKey(kind, name)
	e, ok := r.entries[key]
	if !ok {
		e = &entry{name: name, kind: kind}
		r.entries[key] = e
	}
	e.state = StateFailed
	e.err = err
	r.logger.Warn("provider failed",
		zap.String("kind", string(kind)),
		zap.String("name", name),
		zap.Error(err))
}

// Snapshot returns every entry sorted by kind then name.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		rec := Record{Name: e.name, Kind: e.kind, State: e.state}
		if e.err != nil {
			rec.Err = e.err.Error()
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BuildInput constructs a registered input provider from its config.
func (r *Registry) BuildInput(name string, cfg map[string]any) (InputProvider, error) {
	defaultMu.RLock()
	factory, ok := inputFactories[name]
	defaultMu.RUnlock()
	if !ok {
		return nil, r.unknown(KindInput, name, inputNames())
	}
	return buildWith(r, KindInput, name, func() (InputProvider, error) { return factory(cfg) })
}

// BuildDecision constructs a registered decision provider from its config.
func (r *Registry) BuildDecision(name string, cfg map[string]any) (DecisionProvider, error) {
	defaultMu.RLock()
	factory, ok := decisionFactories[name]
	defaultMu.RUnlock()
	if !ok {
		return nil, r.unknown(KindDecision, name, decisionNames())
	}
	return buildWith(r, KindDecision, name, func() (DecisionProvider, error) { return factory(cfg) })
}

// BuildOutput constructs a registered output provider from its config.
func (r *Registry) BuildOutput(name string, cfg map[string]any) (OutputProvider, error) {
	defaultMu.RLock()
	factory, ok := outputFactories[name]
	defaultMu.RUnlock()
	if !ok {
		return nil, r.unknown(KindOutput, name, outputNames())
	}
	return buildWith(r, KindOutput, name, func() (OutputProvider, error) { return factory(cfg) })
}

func buildWith[P any](r *Registry, kind Kind, name string, build func() (P, error)) (P, error) {
	r.SetState(kind, name, StateBuilding)
	p, err := build()
	if err != nil {
		r.SetFailed(kind, name, err)
		var zero P
		return zero, fmt.Errorf("build %s provider %q: %w", kind, name, err)
	}
	r.SetState(kind, name, StateReady)
	return p, nil
}

func (r *Registry) unknown(kind Kind, name string, known []string) error {
	err := fmt.Errorf("%w: %s provider %q (registered: %v)", ErrUnknownProvider, kind, name, known)
	r.SetFailed(kind, name, err)
	return err
}

func inputNames() []string    { return sortedKeys(inputFactories) }
func decisionNames() []string { return sortedKeys(decisionFactories) }
func outputNames() []string   { return sortedKeys(outputFactories) }

func sortedKeys[V any](m map[string]V) []string {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
