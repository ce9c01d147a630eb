/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package catalog

import (
	"fmt"

	"github.com/dwarfhack/memlayout/descriptor"
)

// Resolve builds the descriptor of raw on top of base, which may be nil.
// Neither argument is modified. The steps run in a fixed order: copy the
// base, apply the entry's own declarations, shift addresses by the entry's
// rebase delta, then set the image base (the entry's own, or the OS
// default, never the inherited one).
func Resolve(base *descriptor.Descriptor, raw *Raw) (*descriptor.Descriptor, error) {
	d := descriptor.New(raw.Version, raw.OS)
	if base != nil {
		d.CopyFrom(base)
		d.Version, d.OS = raw.Version, raw.OS
	}

	// signatures are never inherited, a derived entry is a different build
	d.MD5 = raw.MD5
	d.PETimestamp = raw.PETimestamp
	d.Signature = raw.Signature

	d.Merge(raw.Offsets)

	// the vtable rebase applies to inherited classes, classes declared
	// alongside it are already absolute
	if raw.VTableRebase != 0 {
		d.RebaseVTable(raw.VTableRebase)
	}
	for _, c := range raw.Classes {
		if !c.Multi {
			d.SetClass(c.Name, c.VTable, c.TypeOffset)
			continue
		}
		parent := d.SetMultiClassTag(c.Name, c.VTable, c.TypeOffset, c.TagSize)
		for _, child := range c.Children {
			if _, err := d.SetClassChild(parent, child.Name, child.Tag); err != nil {
				return nil, fmt.Errorf("multiclass %q: %w", c.Name, err)
			}
		}
	}

	for _, n := range raw.Names {
		switch n.Table {
		case "profession":
			d.SetProfession(n.ID, n.Name)
		case "job":
			d.SetJob(n.ID, n.Name)
		case "skill":
			d.SetSkill(n.ID, n.Name)
		case "labor":
			d.SetLabor(n.ID, n.Name)
		case "mood":
			d.SetMood(n.ID, n.Name)
		default:
			return nil, fmt.Errorf("unknown name table %q", n.Table)
		}
	}
	for level, xp := range raw.Levels {
		d.SetLevel(level, xp)
	}
	for id, t := range raw.Traits {
		d.SetTrait(id, t)
	}

	if raw.Rebase != 0 {
		d.RebaseAddresses(raw.Rebase)
	}

	d.Base = raw.OS.DefaultBase()
	if raw.HasBase {
		d.Base = raw.Base
	}
	return d, nil
}
