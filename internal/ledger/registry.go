package ledger

import (
	"fmt"
	"sync"
)

// Loader returns the persisted chain of a module in position order.
type Loader interface {
	Load(module string) ([]LogEntry, error)
}

// Registry hands out one Ledger per module. Ledgers are created on first use
// and seeded from the loader, so appends resume on the persisted head.
type Registry struct {
	persister Persister
	loader    Loader

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

func NewRegistry(persister Persister, loader Loader) *Registry {
	return &Registry{
		persister: persister,
		loader:    loader,
		ledgers:   make(map[string]*Ledger),
	}
}

func (r *Registry) Ledger(module string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[module]; ok {
		return l, nil
	}

	var existing []LogEntry
	if r.loader != nil {
		entries, err := r.loader.Load(module)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s ledger: %w", module, err)
		}
		existing = entries
	}

	l := New(module, r.persister, existing...)
	r.ledgers[module] = l
	return l, nil
}

// Modules lists the ledgers opened so far.
func (r *Registry) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	modules := make([]string, 0, len(r.ledgers))
	for m := range r.ledgers {
		modules = append(modules, m)
	}
	return modules
}

// Reset drops every cached ledger so the next use reloads from the loader.
// Replicated nodes call it when leadership moves, since followers' stores
// advance without going through their in-memory ledgers.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgers = make(map[string]*Ledger)
}
