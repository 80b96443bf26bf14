package filterindex

import "github.com/lightninglabs/filterindex/filterdb"

// Registry tracks the set of live filter indexes of a process, at most one
// per filter type. It replaces the usual process-global index map with an
// explicit object that's handed to the components needing lookup access.
//
// The registry performs no locking of its own: callers must serialize
// structural changes (Register, Unregister, UnregisterAll) against each
// other and against ForEach.
type Registry struct {
	indexes map[filterdb.FilterType]*FilterIndex
}

// NewRegistry creates an empty filter index registry.
func NewRegistry() *Registry {
	return &Registry{
		indexes: make(map[filterdb.FilterType]*FilterIndex),
	}
}

// Register constructs a filter index from the given config and tracks it
// under its filter type. If an index for that filter type is already
// registered, no second index is constructed and false is returned.
func (r *Registry) Register(cfg Config) (bool, error) {
	if _, ok := r.indexes[cfg.FilterType]; ok {
		return false, nil
	}

	index, err := New(cfg)
	if err != nil {
		return false, err
	}

	r.indexes[cfg.FilterType] = index

	log.Debugf("Registered %v filter index", cfg.FilterType.Name())

	return true, nil
}

// Lookup returns the registered index of the given filter type, if any.
func (r *Registry) Lookup(filterType filterdb.FilterType) (*FilterIndex,
	bool) {

	index, ok := r.indexes[filterType]
	return index, ok
}

// Unregister closes and removes the index of the given filter type,
// returning whether such an index was registered. Uncommitted writes of the
// index are discarded.
func (r *Registry) Unregister(filterType filterdb.FilterType) bool {
	index, ok := r.indexes[filterType]
	if !ok {
		return false
	}

	delete(r.indexes, filterType)

	if err := index.Close(); err != nil {
		log.Warnf("Unable to close %v filter index: %v",
			filterType.Name(), err)
	}

	return true
}

// UnregisterAll closes and removes every registered index, to be called at
// process shutdown.
func (r *Registry) UnregisterAll() {
	for filterType := range r.indexes {
		r.Unregister(filterType)
	}
}

// ForEach applies the given closure to every registered index, stopping at
// the first error. It's how a driver addresses all indexes at once, for
// example to commit their outstanding writes.
func (r *Registry) ForEach(fn func(*FilterIndex) error) error {
	for _, index := range r.indexes {
		if err := fn(index); err != nil {
			return err
		}
	}

	return nil
}
