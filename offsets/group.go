/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package offsets implements hierarchical tables of named memory offsets,
// absolute addresses, opaque hex constants and strings, as recorded for one
// build of a target program.
package offsets

import (
	"fmt"
	"strings"

	"github.com/elliotchance/orderedmap"
)

const (
	tableOffset   = "offset"
	tableAddress  = "address"
	tableHexValue = "hexvalue"
	tableString   = "string"
	tableGroup    = "group"
)

// A Group owns its four value tables and its child groups. The parent
// pointer is only used to print qualified names.
type Group struct {
	name   string
	parent *Group

	offsets   table[int64]
	addresses table[uint64]
	hexValues table[uint64]
	strs      table[string]
	children  *orderedmap.OrderedMap // name -> *Group
}

// NewGroup returns an empty group. The root group of a descriptor has an
// empty name.
func NewGroup(name string) *Group {
	return &Group{
		name:      name,
		offsets:   newTable[int64](),
		addresses: newTable[uint64](),
		hexValues: newTable[uint64](),
		strs:      newTable[string](),
		children:  orderedmap.NewOrderedMap(),
	}
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Parent() *Group {
	return g.parent
}

// FullName is the dotted path from the root, skipping the anonymous root.
func (g *Group) FullName() string {
	var parts []string
	for cur := g; cur != nil; cur = cur.parent {
		if cur.name != "" {
			parts = append(parts, cur.name)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func (g *Group) keyError(tbl, key string, kind KeyKind) *KeyError {
	return &KeyError{Group: g.FullName(), Table: tbl, Key: key, Kind: kind}
}

// declarations

func (g *Group) CreateOffset(key string) {
	if _, ok := g.offsets.get(key); !ok {
		g.offsets.set(key, entry[int64]{})
	}
}

func (g *Group) CreateAddress(key string) {
	if _, ok := g.addresses.get(key); !ok {
		g.addresses.set(key, entry[uint64]{})
	}
}

func (g *Group) CreateHexValue(key string) {
	if _, ok := g.hexValues.get(key); !ok {
		g.hexValues.set(key, entry[uint64]{})
	}
}

func (g *Group) CreateString(key string) {
	if _, ok := g.strs.get(key); !ok {
		g.strs.set(key, entry[string]{})
	}
}

// setters

func (g *Group) SetOffset(key string, value int64, validity Validity) {
	g.offsets.set(key, entry[int64]{value, validity})
}

func (g *Group) SetAddress(key string, value uint64, validity Validity) {
	g.addresses.set(key, entry[uint64]{value, validity})
}

func (g *Group) SetHexValue(key string, value uint64, validity Validity) {
	g.hexValues.set(key, entry[uint64]{value, validity})
}

func (g *Group) SetString(key string, value string, validity Validity) {
	g.strs.set(key, entry[string]{value, validity})
}

// SetOffsetString parses value as signed hex. A parse failure leaves the
// group untouched.
func (g *Group) SetOffsetString(key, value string, validity Validity) error {
	v, err := ParseSignedHex(value)
	if err != nil {
		return fmt.Errorf("offset %q: %w", key, err)
	}
	g.SetOffset(key, v, validity)
	return nil
}

func (g *Group) SetAddressString(key, value string, validity Validity) error {
	v, err := ParseUnsignedHex(value)
	if err != nil {
		return fmt.Errorf("address %q: %w", key, err)
	}
	g.SetAddress(key, v, validity)
	return nil
}

func (g *Group) SetHexValueString(key, value string, validity Validity) error {
	v, err := ParseUnsignedHex(value)
	if err != nil {
		return fmt.Errorf("hexvalue %q: %w", key, err)
	}
	g.SetHexValue(key, v, validity)
	return nil
}

// getters

func lookup[T any](g *Group, t table[T], tbl, key string) (T, error) {
	var zero T
	e, ok := t.get(key)
	if !ok {
		return zero, g.keyError(tbl, key, KeyMissing)
	}
	switch e.validity {
	case Valid:
		return e.value, nil
	case Invalid:
		return zero, g.keyError(tbl, key, KeyInvalid)
	}
	return zero, g.keyError(tbl, key, KeyMissing)
}

func (g *Group) Offset(key string) (int64, error) {
	return lookup(g, g.offsets, tableOffset, key)
}

func (g *Group) Address(key string) (uint64, error) {
	return lookup(g, g.addresses, tableAddress, key)
}

func (g *Group) HexValue(key string) (uint64, error) {
	return lookup(g, g.hexValues, tableHexValue, key)
}

func (g *Group) StringValue(key string) (string, error) {
	return lookup(g, g.strs, tableString, key)
}

// The Safe variants report success instead of an error, for readers that
// decode many fields and tolerate a few missing ones.

func (g *Group) SafeOffset(key string) (int64, bool) {
	v, err := g.Offset(key)
	return v, err == nil
}

func (g *Group) SafeAddress(key string) (uint64, bool) {
	v, err := g.Address(key)
	return v, err == nil
}

func (g *Group) SafeHexValue(key string) (uint64, bool) {
	v, err := g.HexValue(key)
	return v, err == nil
}

func (g *Group) SafeStringValue(key string) (string, bool) {
	v, err := g.StringValue(key)
	return v, err == nil
}

// Validity returns the flag of key in the named table ("offset", "address",
// "hexvalue" or "string") and whether the key exists at all.
func (g *Group) Validity(tbl, key string) (Validity, bool) {
	switch tbl {
	case tableOffset:
		e, ok := g.offsets.get(key)
		return e.validity, ok
	case tableAddress:
		e, ok := g.addresses.get(key)
		return e.validity, ok
	case tableHexValue:
		e, ok := g.hexValues.get(key)
		return e.validity, ok
	case tableString:
		e, ok := g.strs.get(key)
		return e.validity, ok
	}
	return NotSet, false
}

// child groups

// CreateGroup returns the child called name, creating it on first use.
func (g *Group) CreateGroup(name string) *Group {
	if c, ok := g.children.Get(name); ok {
		return c.(*Group)
	}
	c := NewGroup(name)
	c.parent = g
	g.children.Set(name, c)
	return c
}

// Subgroup returns the child called name.
func (g *Group) Subgroup(name string) (*Group, error) {
	c, ok := g.children.Get(name)
	if !ok {
		return nil, g.keyError(tableGroup, name, KeyMissing)
	}
	return c.(*Group), nil
}

// Groups lists the children in declaration order.
func (g *Group) Groups() []*Group {
	out := make([]*Group, 0, g.children.Len())
	for el := g.children.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Group))
	}
	return out
}

// RebaseAddresses adds delta to every valid address of this group and of all
// its descendants. Offsets, hex values and strings are left alone.
func (g *Group) RebaseAddresses(delta int64) {
	g.addresses.update(func(e entry[uint64]) entry[uint64] {
		if e.validity == Valid {
			e.value = uint64(int64(e.value) + delta)
		}
		return e
	})
	for _, c := range g.Groups() {
		c.RebaseAddresses(delta)
	}
}

// Copy replaces the content of g with a deep copy of other. The name and
// parent of g are kept.
func (g *Group) Copy(other *Group) {
	if other == g {
		return
	}
	g.offsets = other.offsets.clone()
	g.addresses = other.addresses.clone()
	g.hexValues = other.hexValues.clone()
	g.strs = other.strs.clone()
	g.children = orderedmap.NewOrderedMap()
	for _, oc := range other.Groups() {
		c := NewGroup(oc.name)
		c.parent = g
		c.Copy(oc)
		g.children.Set(c.name, c)
	}
}

// Clone returns an independent deep copy of g without a parent.
func (g *Group) Clone() *Group {
	c := NewGroup(g.name)
	c.Copy(g)
	return c
}

// Merge overlays the entries of other onto g, recursing into child groups.
// Valid and invalid entries of other win; entries other merely declares are
// only added when g does not know them yet.
func (g *Group) Merge(other *Group) {
	g.offsets.overlay(other.offsets)
	g.addresses.overlay(other.addresses)
	g.hexValues.overlay(other.hexValues)
	g.strs.overlay(other.strs)
	for _, oc := range other.Groups() {
		g.CreateGroup(oc.name).Merge(oc)
	}
}

// Len counts the entries of g and its descendants.
func (g *Group) Len() int {
	n := g.offsets.len() + g.addresses.len() + g.hexValues.len() + g.strs.len()
	for _, c := range g.Groups() {
		n += c.Len()
	}
	return n
}
