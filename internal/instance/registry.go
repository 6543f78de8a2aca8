package instance

import (
	"slices"
	"sync/atomic"
)

// Registry is the read-mostly lookup table from instance name to
// configuration.  Readers never block: the table is an immutable map that is
// swapped atomically on reconfiguration.
type Registry struct {
	table atomic.Pointer[map[string]*Config]
}

// NewRegistry returns a registry initialized with insts.  The map and the
// configurations must not be modified after the call.
func NewRegistry(insts map[string]*Config) (r *Registry) {
	r = &Registry{}
	r.ReplaceAll(insts)

	return r
}

// Get returns the configuration of the instance with the given name, or nil
// if there is none.
func (r *Registry) Get(name string) (c *Config) {
	return (*r.table.Load())[name]
}

// ReplaceAll atomically replaces the whole instance table with insts.  The
// map and the configurations must not be modified after the call.  A request
// that is already in flight keeps using the configuration it has resolved.
func (r *Registry) ReplaceAll(insts map[string]*Config) {
	if insts == nil {
		insts = map[string]*Config{}
	}

	r.table.Store(&insts)
}

// Names returns the sorted names of all instances.
func (r *Registry) Names() (names []string) {
	table := *r.table.Load()
	names = make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// All returns the current table.  The result must not be modified.
func (r *Registry) All() (insts map[string]*Config) {
	return *r.table.Load()
}
