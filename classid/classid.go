/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package classid identifies live objects of an attached game by their
// vtable pointer, caching what each vtable value resolved to.
package classid

import (
	"sync"
	"sync/atomic"

	"github.com/dwarfhack/memlayout/descriptor"
)

// cached is what one vtable value resolved to. rec is nil for vtables that
// are not registered.
type cached struct {
	rec descriptor.ClassRecord
	err error
}

// Identifier resolves objects for one attach session. It is safe for
// concurrent use. Reads of live memory race with the game unless the game
// is suspended; the result is then best effort.
type Identifier struct {
	mu    sync.RWMutex
	d     *descriptor.Descriptor
	mem   descriptor.Reader
	cache map[uint64]cached

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(d *descriptor.Descriptor, mem descriptor.Reader) *Identifier {
	return &Identifier{d: d, mem: mem, cache: make(map[uint64]cached)}
}

// record returns the class record registered for vptr, consulting the
// cache first.
func (i *Identifier) record(d *descriptor.Descriptor, vptr uint64) (descriptor.ClassRecord, error) {
	i.mu.RLock()
	c, ok := i.cache[vptr]
	i.mu.RUnlock()
	if ok {
		i.hits.Add(1)
		return c.rec, c.err
	}
	i.misses.Add(1)

	rec, err := d.LookupVTable(vptr)
	i.mu.Lock()
	// a Rebind in between makes this result stale
	if i.d == d {
		i.cache[vptr] = cached{rec: rec, err: err}
	}
	i.mu.Unlock()
	return rec, err
}

func (i *Identifier) session() (*descriptor.Descriptor, descriptor.Reader) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.d, i.mem
}

// Identify returns the class id of the object at addr. Read failures are
// returned unchanged.
func (i *Identifier) Identify(addr uint64) (descriptor.ClassID, error) {
	d, mem := i.session()
	vptr, err := mem.ReadPointer(addr)
	if err != nil {
		return 0, err
	}
	rec, err := i.record(d, vptr)
	if err != nil {
		return 0, err
	}
	// multiclass tags differ per object and are always read
	return d.ResolveRecord(mem, addr, rec)
}

// ClassName is Identify followed by the name lookup.
func (i *Identifier) ClassName(addr uint64) (string, error) {
	id, err := i.Identify(addr)
	if err != nil {
		return "", err
	}
	d, _ := i.session()
	return d.ResolveClassIDToClassname(id)
}

// Is reports whether the object at addr is of the named class.
func (i *Identifier) Is(addr uint64, name string) (bool, error) {
	d, _ := i.session()
	want, err := d.ResolveClassnameToClassID(name)
	if err != nil {
		return false, err
	}
	id, err := i.Identify(addr)
	if err != nil {
		return false, err
	}
	return id == want, nil
}

// Invalidate empties the cache, as when the game is detached.
func (i *Identifier) Invalidate() {
	i.mu.Lock()
	i.cache = make(map[uint64]cached)
	i.mu.Unlock()
}

// Rebind starts a new attach session with another descriptor and reader.
// Everything cached for the previous session is dropped.
func (i *Identifier) Rebind(d *descriptor.Descriptor, mem descriptor.Reader) {
	i.mu.Lock()
	i.d, i.mem = d, mem
	i.cache = make(map[uint64]cached)
	i.mu.Unlock()
}

// Stats reports cache hits and misses since the identifier was created.
func (i *Identifier) Stats() (hits, misses uint64) {
	return i.hits.Load(), i.misses.Load()
}
