/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package offsets

import (
	"github.com/elliotchance/orderedmap"
)

// Validity is the tri-state flag carried by every entry.
type Validity uint8

const (
	NotSet Validity = iota
	Invalid
	Valid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return "not set"
}

type entry[T any] struct {
	value    T
	validity Validity
}

// table keeps entries in insertion order so dumps of two versions diff cleanly.
type table[T any] struct {
	m *orderedmap.OrderedMap
}

func newTable[T any]() table[T] {
	return table[T]{m: orderedmap.NewOrderedMap()}
}

func (t table[T]) get(key string) (entry[T], bool) {
	v, ok := t.m.Get(key)
	if !ok {
		return entry[T]{}, false
	}
	return v.(entry[T]), true
}

func (t table[T]) set(key string, e entry[T]) {
	t.m.Set(key, e)
}

func (t table[T]) len() int {
	return t.m.Len()
}

func (t table[T]) each(fn func(key string, e entry[T])) {
	for el := t.m.Front(); el != nil; el = el.Next() {
		fn(el.Key.(string), el.Value.(entry[T]))
	}
}

// update rewrites values in place, keeping order.
func (t table[T]) update(fn func(e entry[T]) entry[T]) {
	for el := t.m.Front(); el != nil; el = el.Next() {
		t.m.Set(el.Key, fn(el.Value.(entry[T])))
	}
}

func (t table[T]) clone() table[T] {
	c := newTable[T]()
	t.each(func(key string, e entry[T]) {
		c.set(key, e)
	})
	return c
}

// overlay copies every entry of other that carries a value. Entries that
// other only declares are created here if unknown.
func (t table[T]) overlay(other table[T]) {
	other.each(func(key string, e entry[T]) {
		if e.validity == NotSet {
			if _, ok := t.get(key); ok {
				return
			}
		}
		t.set(key, e)
	})
}
