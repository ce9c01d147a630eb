/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package descriptor

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownVTable is returned when a live object's vtable pointer is not registered.
	ErrUnknownVTable = errors.New("unknown vtable")

	// ErrUnknownClassTag is returned when a multiclass object carries a tag with no registered child.
	ErrUnknownClassTag = errors.New("unknown multiclass tag")

	// ErrUnknownClass is returned by name and id lookups in the class registry.
	ErrUnknownClass = errors.New("unknown class")
)

// ClassID is the position of a class record in the registry.
type ClassID int

// A ClassRecord is one of SimpleClass, MultiClass or ChildClass.
type ClassRecord interface {
	ClassID() ClassID
	ClassName() string
	isClassRecord()
}

// SimpleClass is identified by its vtable alone.
type SimpleClass struct {
	ID         ClassID
	Name       string
	VTable     uint64
	TypeOffset uint64
}

// MultiClass is a family of types sharing one vtable. The concrete type is
// the integer tag stored TypeOffset bytes into the object.
type MultiClass struct {
	ID         ClassID
	Name       string
	VTable     uint64
	TypeOffset uint64
	TagSize    int                // width of the tag field in bytes
	Children   map[uint32]ClassID // tag -> child class
}

// ChildClass is a member of a MultiClass family. It has no vtable of its own.
type ChildClass struct {
	ID     ClassID
	Name   string
	Parent ClassID
	Tag    uint32
}

func (c *SimpleClass) ClassID() ClassID  { return c.ID }
func (c *SimpleClass) ClassName() string { return c.Name }
func (c *SimpleClass) isClassRecord()    {}

func (c *MultiClass) ClassID() ClassID  { return c.ID }
func (c *MultiClass) ClassName() string { return c.Name }
func (c *MultiClass) isClassRecord()    {}

func (c *ChildClass) ClassID() ClassID  { return c.ID }
func (c *ChildClass) ClassName() string { return c.Name }
func (c *ChildClass) isClassRecord()    {}

// DefaultTagSize is the width of a multiclass tag when the descriptor does not say.
const DefaultTagSize = 2

// Reader is the live-memory capability needed to identify objects. Reads
// fail with the reader's own error when the address is not mapped or the
// process went away; those errors are returned unchanged.
type Reader interface {
	ReadPointer(addr uint64) (uint64, error)
	ReadInteger(addr uint64, width int) (uint64, error)
}

func (d *Descriptor) addClass(rec ClassRecord) {
	d.classes = append(d.classes, rec)
	if _, dup := d.byName[rec.ClassName()]; !dup {
		d.byName[rec.ClassName()] = rec.ClassID()
	}
}

func (d *Descriptor) indexVTable(vtable uint64, id ClassID) {
	if _, dup := d.byVPtr[vtable]; !dup {
		d.byVPtr[vtable] = id
	}
}

// SetClass registers a class identified by its vtable and returns its id.
// Registering a name again updates the existing record in place, so a
// derived build can correct a vtable without renumbering the registry.
func (d *Descriptor) SetClass(name string, vtable uint64, typeOffset uint64) ClassID {
	if id, ok := d.byName[name]; ok {
		if c, ok := d.classes[id].(*SimpleClass); ok {
			d.moveVTable(id, c.VTable, vtable)
			c.VTable, c.TypeOffset = vtable, typeOffset
			return id
		}
		d.replaceClass(id, &SimpleClass{ID: id, Name: name, VTable: vtable, TypeOffset: typeOffset})
		return id
	}
	id := ClassID(len(d.classes))
	d.addClass(&SimpleClass{ID: id, Name: name, VTable: vtable, TypeOffset: typeOffset})
	d.indexVTable(vtable, id)
	return id
}

// SetMultiClass registers a class family sharing vtable, told apart by the
// tag at typeOffset. Children are added with SetClassChild.
func (d *Descriptor) SetMultiClass(name string, vtable uint64, typeOffset uint64) ClassID {
	return d.SetMultiClassTag(name, vtable, typeOffset, DefaultTagSize)
}

// SetMultiClassTag is SetMultiClass with an explicit tag width of 1, 2, 4 or 8 bytes.
func (d *Descriptor) SetMultiClassTag(name string, vtable uint64, typeOffset uint64, tagSize int) ClassID {
	rec := func(id ClassID) *MultiClass {
		return &MultiClass{
			ID:         id,
			Name:       name,
			VTable:     vtable,
			TypeOffset: typeOffset,
			TagSize:    tagSize,
			Children:   make(map[uint32]ClassID),
		}
	}
	if id, ok := d.byName[name]; ok {
		if c, ok := d.classes[id].(*MultiClass); ok {
			d.moveVTable(id, c.VTable, vtable)
			c.VTable, c.TypeOffset, c.TagSize = vtable, typeOffset, tagSize
			return id
		}
		d.replaceClass(id, rec(id))
		return id
	}
	id := ClassID(len(d.classes))
	d.addClass(rec(id))
	d.indexVTable(vtable, id)
	return id
}

// replaceClass swaps the record at id for one of another kind. The id and
// name stay; the old record's vtable and family links are dropped.
func (d *Descriptor) replaceClass(id ClassID, rec ClassRecord) {
	switch old := d.classes[id].(type) {
	case *SimpleClass:
		if d.byVPtr[old.VTable] == id {
			delete(d.byVPtr, old.VTable)
		}
	case *MultiClass:
		if d.byVPtr[old.VTable] == id {
			delete(d.byVPtr, old.VTable)
		}
		for _, child := range old.Children {
			d.dropClass(child)
		}
	case *ChildClass:
		if parent, ok := d.classes[old.Parent].(*MultiClass); ok && parent.Children[old.Tag] == id {
			delete(parent.Children, old.Tag)
		}
	}
	d.classes[id] = rec
	d.byName[rec.ClassName()] = id
	switch c := rec.(type) {
	case *SimpleClass:
		d.indexVTable(c.VTable, id)
	case *MultiClass:
		d.indexVTable(c.VTable, id)
	}
}

// dropClass removes an orphaned child. Its slot stays empty so later ids
// keep their meaning.
func (d *Descriptor) dropClass(id ClassID) {
	rec := d.classes[id]
	if rec == nil {
		return
	}
	if d.byName[rec.ClassName()] == id {
		delete(d.byName, rec.ClassName())
	}
	d.classes[id] = nil
}

func (d *Descriptor) moveVTable(id ClassID, from, to uint64) {
	if d.byVPtr[from] == id {
		delete(d.byVPtr, from)
	}
	d.indexVTable(to, id)
}

// SetClassChild registers that tag identifies name inside the multiclass parent.
func (d *Descriptor) SetClassChild(parent ClassID, name string, tag uint32) (ClassID, error) {
	rec, err := d.Class(parent)
	if err != nil {
		return 0, err
	}
	mc, ok := rec.(*MultiClass)
	if !ok {
		return 0, fmt.Errorf("class %q is not a multiclass", rec.ClassName())
	}
	if id, ok := d.byName[name]; ok && id != parent {
		if c, ok := d.classes[id].(*ChildClass); ok && c.Parent == parent {
			if mc.Children[c.Tag] == id {
				delete(mc.Children, c.Tag)
			}
			c.Tag = tag
			mc.Children[tag] = id
			return id, nil
		}
		d.replaceClass(id, &ChildClass{ID: id, Name: name, Parent: parent, Tag: tag})
		mc.Children[tag] = id
		return id, nil
	}
	id := ClassID(len(d.classes))
	d.addClass(&ChildClass{ID: id, Name: name, Parent: parent, Tag: tag})
	mc.Children[tag] = id
	return id, nil
}

// Class returns the record with the given id.
func (d *Descriptor) Class(id ClassID) (ClassRecord, error) {
	if id < 0 || int(id) >= len(d.classes) || d.classes[id] == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownClass, id)
	}
	return d.classes[id], nil
}

// Classes returns the registry in registration order.
func (d *Descriptor) Classes() []ClassRecord {
	out := make([]ClassRecord, 0, len(d.classes))
	for _, rec := range d.classes {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

func (d *Descriptor) ResolveClassnameToClassID(name string) (ClassID, error) {
	id, ok := d.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	return id, nil
}

func (d *Descriptor) ResolveClassIDToClassname(id ClassID) (string, error) {
	rec, err := d.Class(id)
	if err != nil {
		return "", err
	}
	return rec.ClassName(), nil
}

// ResolveClassnameToVPtr returns the vtable address of a class. Children of
// a multiclass report the vtable of their family.
func (d *Descriptor) ResolveClassnameToVPtr(name string) (uint64, error) {
	id, err := d.ResolveClassnameToClassID(name)
	if err != nil {
		return 0, err
	}
	return d.vptrOf(d.classes[id])
}

func (d *Descriptor) vptrOf(rec ClassRecord) (uint64, error) {
	switch c := rec.(type) {
	case *SimpleClass:
		return c.VTable, nil
	case *MultiClass:
		return c.VTable, nil
	case *ChildClass:
		return d.vptrOf(d.classes[c.Parent])
	}
	return 0, fmt.Errorf("%w: no vtable", ErrUnknownClass)
}

// LookupVTable maps a vtable pointer value to its registered record without
// touching live memory.
func (d *Descriptor) LookupVTable(vptr uint64) (ClassRecord, error) {
	id, ok := d.byVPtr[vptr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownVTable, vptr)
	}
	return d.classes[id], nil
}

// ResolveObjectToClassID identifies the object at addr by its vtable
// pointer, and for multiclass families by the tag inside the object. The
// target should be suspended while this runs; on a running process the
// result is best effort.
func (d *Descriptor) ResolveObjectToClassID(mem Reader, addr uint64) (ClassID, error) {
	vptr, err := mem.ReadPointer(addr)
	if err != nil {
		return 0, err
	}
	rec, err := d.LookupVTable(vptr)
	if err != nil {
		return 0, err
	}
	return d.ResolveRecord(mem, addr, rec)
}

// ResolveRecord finishes identification once the vtable record of the
// object at addr is known.
func (d *Descriptor) ResolveRecord(mem Reader, addr uint64, rec ClassRecord) (ClassID, error) {
	switch c := rec.(type) {
	case *MultiClass:
		tag, err := mem.ReadInteger(addr+c.TypeOffset, c.TagSize)
		if err != nil {
			return 0, err
		}
		if tag > math.MaxUint32 {
			return 0, fmt.Errorf("%w: %s tag %#x", ErrUnknownClassTag, c.Name, tag)
		}
		child, ok := c.Children[uint32(tag)]
		if !ok {
			return 0, fmt.Errorf("%w: %s tag %d", ErrUnknownClassTag, c.Name, tag)
		}
		return child, nil
	default:
		return rec.ClassID(), nil
	}
}

// RebaseVTable shifts every vtable address of the registry by delta.
func (d *Descriptor) RebaseVTable(delta int64) {
	d.byVPtr = make(map[uint64]ClassID, len(d.byVPtr))
	for _, rec := range d.classes {
		switch c := rec.(type) {
		case *SimpleClass:
			c.VTable = uint64(int64(c.VTable) + delta)
			d.indexVTable(c.VTable, c.ID)
		case *MultiClass:
			c.VTable = uint64(int64(c.VTable) + delta)
			d.indexVTable(c.VTable, c.ID)
		}
	}
}

func cloneClass(rec ClassRecord) ClassRecord {
	switch c := rec.(type) {
	case *SimpleClass:
		cp := *c
		return &cp
	case *MultiClass:
		cp := *c
		cp.Children = make(map[uint32]ClassID, len(c.Children))
		for k, v := range c.Children {
			cp.Children[k] = v
		}
		return &cp
	case *ChildClass:
		cp := *c
		return &cp
	}
	return rec
}
