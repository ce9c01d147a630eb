/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package catalog loads a descriptor document and links its entries into
// ready-to-use descriptors.
package catalog

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/apex/log"
	"golang.org/x/exp/slices"

	"github.com/dwarfhack/memlayout/descriptor"
)

var errNoRoot = errors.New("document has no <MemoryLayout> root")

// Entry is a resolved descriptor template together with its id.
type Entry struct {
	ID         string
	Descriptor *descriptor.Descriptor
}

// Catalog holds the templates of one document, in document order. It is
// not modified after Parse returns; templates must be cloned before they
// are changed.
type Catalog struct {
	entries  []Entry
	byID     map[string]int
	problems []error
}

type visitState uint8

const (
	stateVisiting visitState = iota + 1
	stateDone
)

// Load parses the descriptor document at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse reads a whole document. It fails only when the document itself is
// unreadable; bad entries are dropped and reported through Problems.
func Parse(r io.Reader) (*Catalog, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid descriptor document: %w", err)
	}
	if root.XMLName.Local != "MemoryLayout" {
		return nil, errNoRoot
	}

	c := &Catalog{byID: make(map[string]int)}
	l := &linker{
		raws:     make(map[string]*Raw),
		broken:   make(map[string]error),
		states:   make(map[string]visitState),
		resolved: make(map[string]*descriptor.Descriptor),
		failed:   make(map[string]error),
	}

	// collect every entry first so references may point forward
	var order []*Raw
	for i := range root.Nodes {
		n := &root.Nodes[i]
		if n.XMLName.Local != "Entry" {
			c.report(&MalformedError{Entry: fmt.Sprintf("#%d", i+1), Err: fmt.Errorf("unknown element <%s>", n.XMLName.Local)})
			continue
		}
		id := entryID(n, i)
		raw, err := parseEntry(n, i)
		if err != nil {
			l.broken[id] = err
			c.report(err)
			continue
		}
		if _, dup := l.raws[raw.ID]; dup {
			c.report(&MalformedError{Entry: raw.ID, Err: errors.New("duplicate id")})
			continue
		}
		l.raws[raw.ID] = raw
		order = append(order, raw)
	}

	for _, raw := range order {
		d, err := l.resolve(raw.ID, nil)
		if err != nil {
			c.report(err)
			continue
		}
		c.byID[raw.ID] = len(c.entries)
		c.entries = append(c.entries, Entry{ID: raw.ID, Descriptor: d})
	}
	log.WithField("entries", len(c.entries)).Debugf("descriptor catalog loaded with %d problems", len(c.problems))
	return c, nil
}

// linker resolves entries depth first, each at most once.
type linker struct {
	raws     map[string]*Raw
	broken   map[string]error // entries dropped while collecting
	states   map[string]visitState
	resolved map[string]*descriptor.Descriptor
	failed   map[string]error
}

func (l *linker) resolve(id string, chain []string) (*descriptor.Descriptor, error) {
	switch l.states[id] {
	case stateVisiting:
		i := slices.Index(chain, id)
		return nil, &CycleError{Chain: append(slices.Clone(chain[i:]), id)}
	case stateDone:
		return l.resolved[id], l.failed[id]
	}
	l.states[id] = stateVisiting

	d, err := l.link(l.raws[id], append(chain, id))
	l.states[id] = stateDone
	if err != nil {
		l.failed[id] = err
		return nil, err
	}
	l.resolved[id] = d
	return d, nil
}

func (l *linker) link(raw *Raw, chain []string) (*descriptor.Descriptor, error) {
	var base *descriptor.Descriptor
	if raw.From != "" {
		if _, ok := l.raws[raw.From]; !ok {
			return nil, &ReferenceError{Entry: raw.ID, Base: raw.From, Err: l.broken[raw.From]}
		}
		var err error
		if base, err = l.resolve(raw.From, chain); err != nil {
			// every member of a cycle reports the cycle itself
			var cycle *CycleError
			if errors.As(err, &cycle) && slices.Contains(cycle.Chain, raw.ID) {
				return nil, cycle
			}
			return nil, &ReferenceError{Entry: raw.ID, Base: raw.From, Err: err}
		}
	}
	d, err := Resolve(base, raw)
	if err != nil {
		return nil, &MalformedError{Entry: raw.ID, Err: err}
	}
	return d, nil
}

func (c *Catalog) report(err error) {
	c.problems = append(c.problems, err)
	log.WithError(err).Warn("descriptor entry dropped")
}

// Entries returns the resolved templates in document order.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Lookup returns the template with the given id.
func (c *Catalog) Lookup(id string) (*descriptor.Descriptor, bool) {
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return c.entries[i].Descriptor, true
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

// Problems lists one error per dropped entry, in the order they were found.
func (c *Catalog) Problems() []error {
	return append([]error(nil), c.problems...)
}

// Store publishes the current catalog. A reload parses a complete new
// catalog and swaps it in, readers keep whichever catalog they loaded.
type Store struct {
	cur atomic.Pointer[Catalog]
}

func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.cur.Store(c)
	return s
}

func (s *Store) Catalog() *Catalog {
	return s.cur.Load()
}

// Swap installs c and returns the previous catalog.
func (s *Store) Swap(c *Catalog) *Catalog {
	return s.cur.Swap(c)
}

// Reload loads path and installs it. On error the current catalog stays.
func (s *Store) Reload(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	s.Swap(c)
	return nil
}
