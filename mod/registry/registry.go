package registry

import (
	"errors"
	"sync"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/service"
)

/*
	Service Registry

	Holds the name to service mapping for the whole process. Entries are
	created synchronously while the configuration is enumerated, before
	any service construction starts, so a lookup can always tell a
	missing name apart from a not-yet-constructed one. The value behind
	each entry is a promise: construction fulfills it, lookups block on
	it. Cross references between services therefore resolve in whatever
	order construction finishes, including cycles through lazily started
	requests.
*/

type Registry struct {
	mu      sync.Mutex
	entries map[string]*Promise
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*Promise{},
	}
}

// Create the entry for a named service. Must be called for every name
// before any lookup for that name happens. A duplicate name is a config
// error.
func (r *Registry) Register(name string) (*Promise, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return nil, errors.New("Config defines multiple services named \"" + name + "\".")
	}

	thisPromise := newPromise()
	r.entries[name] = thisPromise
	return thisPromise, nil
}

// Check whether a name has been registered
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[name]
	return exists
}

// Resolve a service reference, blocking until the referenced service
// has been constructed. errorContext names the place the reference
// appears in, e.g. "Socket \"http\"", and is used verbatim in error
// messages.
func (r *Registry) LookupService(ref *config.ServiceRef, errorContext string) (service.Service, error) {
	if ref == nil || ref.Name == "" {
		return nil, errors.New(errorContext + " does not name a service.")
	}

	r.mu.Lock()
	thisPromise, exists := r.entries[ref.Name]
	r.mu.Unlock()

	if !exists {
		return nil, errors.New(errorContext + " refers to a service \"" + ref.Name + "\", but no such service is defined.")
	}

	resolved := thisPromise.Await()

	if ref.Entrypoint != "" {
		provider, ok := resolved.(service.EntrypointProvider)
		if !ok {
			return nil, errors.New(errorContext + " refers to service \"" + ref.Name + "\" with a named entrypoint \"" + ref.Entrypoint + "\", but \"" + ref.Name + "\" is not a Worker, so does not have any named entrypoints.")
		}
		entrypointService, found := provider.TryGetEntrypoint(ref.Entrypoint)
		if !found {
			return nil, errors.New(errorContext + " refers to service \"" + ref.Name + "\" with a named entrypoint \"" + ref.Entrypoint + "\", but \"" + ref.Name + "\" has no such named entrypoint.")
		}
		return entrypointService, nil
	}

	return resolved, nil
}

/* Promise */

// A single-assignment service slot. Fulfill once, await many times.
type Promise struct {
	done  chan struct{}
	value service.Service
}

func newPromise() *Promise {
	return &Promise{
		done: make(chan struct{}),
	}
}

// Resolve the promise. Every current and future Await observes the
// value. Fulfilling twice is a programming error.
func (p *Promise) Fulfill(resolved service.Service) {
	p.value = resolved
	close(p.done)
}

// Block until the promise is fulfilled and return the service
func (p *Promise) Await() service.Service {
	<-p.done
	return p.value
}
