package headertable

import (
	"net/textproto"
	"sync"
)

/*
	Header Table

	Build-phase registry of header names used by the request pipeline.
	Components register the header names they need while the server is
	being configured and hold on to the returned HeaderID. Once the
	first listener goes live the builder is frozen and the table becomes
	immutable and shared between all connections.
*/

// HeaderID is a stable identifier for a registered header name
type HeaderID int

type Builder struct {
	mu     sync.Mutex
	names  []string
	index  map[string]HeaderID
	frozen bool
}

// Immutable header name table produced by a Builder
type Table struct {
	names []string
}

func NewBuilder() *Builder {
	return &Builder{
		names: []string{},
		index: map[string]HeaderID{},
	}
}

// Register a header name and return its identifier. Registering the
// same name twice yields the same identifier. Add panics if the table
// has already been frozen: all registrations must happen during the
// configuration phase, before any listener starts accepting.
func (b *Builder) Add(name string) HeaderID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		panic("headertable: Add called after the table is frozen")
	}

	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if id, ok := b.index[canonical]; ok {
		return id
	}

	id := HeaderID(len(b.names))
	b.names = append(b.names, canonical)
	b.index[canonical] = id
	return id
}

// Freeze the builder and return the shared immutable table
func (b *Builder) Build() *Table {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true
	names := make([]string, len(b.names))
	copy(names, b.names)
	return &Table{names: names}
}

// Check if the builder has been frozen
func (b *Builder) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Resolve an identifier back to its canonical header name
func (t *Table) Name(id HeaderID) string {
	return t.names[id]
}

// Number of registered headers
func (t *Table) Size() int {
	return len(t.names)
}
