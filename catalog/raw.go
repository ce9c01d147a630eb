/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package catalog

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/dwarfhack/memlayout/descriptor"
	"github.com/dwarfhack/memlayout/objfile"
	"github.com/dwarfhack/memlayout/offsets"
)

// node is any element of the document, kept generic so unknown elements
// can be reported instead of silently ignored.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []node     `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) requireAttr(name string) (string, error) {
	v, ok := n.attr(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("<%s> lacks %s", n.XMLName.Local, name)
	}
	return v, nil
}

// ClassDecl is a class or multiclass declared in a <VTable> section.
type ClassDecl struct {
	Name       string
	VTable     uint64
	TypeOffset uint64
	Multi      bool
	TagSize    int
	Children   []ChildDecl
}

// ChildDecl is one tag value of a multiclass family.
type ChildDecl struct {
	Name string
	Tag  uint32
}

// NameDecl is one row of a name table (professions, jobs, skills, labors, moods).
type NameDecl struct {
	Table string
	ID    int
	Name  string
}

// Raw is an entry as declared in the document, before derivation.
type Raw struct {
	ID      string
	Index   int // position among the top-level elements of the document
	Version string
	OS      descriptor.OS
	From    string // id of the base entry, empty when none
	Rebase  int64
	Base    uint64
	HasBase bool

	MD5         string
	PETimestamp uint32
	Signature   string

	Offsets      *offsets.Group
	VTableRebase int64
	Classes      []ClassDecl
	Names        []NameDecl
	Levels       map[int]uint32
	Traits       map[int]descriptor.Trait
}

// entryID names an entry in diagnostics and references.
func entryID(n *node, index int) string {
	if id, ok := n.attr("id"); ok && id != "" {
		return id
	}
	version, _ := n.attr("version")
	os, _ := n.attr("os")
	if version == "" && os == "" {
		return fmt.Sprintf("#%d", index+1)
	}
	return strings.TrimSpace(version + " " + os)
}

func parseEntry(n *node, index int) (*Raw, error) {
	r := &Raw{
		ID:      entryID(n, index),
		Index:   index,
		Offsets: offsets.NewGroup(""),
		Levels:  make(map[int]uint32),
		Traits:  make(map[int]descriptor.Trait),
	}
	fail := func(err error) (*Raw, error) {
		return nil, &MalformedError{Entry: r.ID, Err: err}
	}

	var err error
	if r.Version, err = n.requireAttr("version"); err != nil {
		return fail(err)
	}
	osName, err := n.requireAttr("os")
	if err != nil {
		return fail(err)
	}
	if r.OS, err = descriptor.ParseOS(osName); err != nil {
		return fail(err)
	}
	r.From, _ = n.attr("from")
	if v, ok := n.attr("rebase"); ok {
		if r.Rebase, err = offsets.ParseSignedHex(v); err != nil {
			return fail(fmt.Errorf("rebase: %w", err))
		}
	}
	if v, ok := n.attr("base"); ok {
		if r.Base, err = offsets.ParseUnsignedHex(v); err != nil {
			return fail(fmt.Errorf("base: %w", err))
		}
		r.HasBase = true
	}

	for i := range n.Nodes {
		if err := r.parseSection(&n.Nodes[i]); err != nil {
			return fail(err)
		}
	}
	return r, nil
}

func (r *Raw) parseSection(n *node) error {
	switch n.XMLName.Local {
	case "PETimeStamp":
		v, err := n.requireAttr("value")
		if err != nil {
			return err
		}
		ts, err := offsets.ParseUnsignedHex(v)
		if err != nil || ts > 0xFFFFFFFF {
			return fmt.Errorf("bad PE timestamp %q", v)
		}
		r.PETimestamp = uint32(ts)
	case "MD5":
		v, err := n.requireAttr("value")
		if err != nil {
			return err
		}
		r.MD5 = strings.ToLower(strings.TrimSpace(v))
	case "Signature":
		v, err := n.requireAttr("pattern")
		if err != nil {
			return err
		}
		if _, err := objfile.RegexpPatternFromYaraPattern(v); err != nil {
			return fmt.Errorf("signature: %w", err)
		}
		r.Signature = v
	case "Offsets":
		return parseGroup(r.Offsets, n.Nodes)
	case "VTable":
		return r.parseVTable(n)
	case "Professions":
		return r.parseNames(n, "Profession", "profession")
	case "Jobs":
		return r.parseNames(n, "Job", "job")
	case "Skills":
		return r.parseNames(n, "Skill", "skill")
	case "Labors":
		return r.parseNames(n, "Labor", "labor")
	case "Moods":
		return r.parseNames(n, "Mood", "mood")
	case "Levels":
		return r.parseLevels(n)
	case "Traits":
		return r.parseTraits(n)
	default:
		return fmt.Errorf("unknown element <%s>", n.XMLName.Local)
	}
	return nil
}

func validity(n *node) (offsets.Validity, error) {
	v, ok := n.attr("valid")
	if !ok {
		return offsets.Valid, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return offsets.NotSet, fmt.Errorf("bad valid flag %q", v)
	}
	if !b {
		return offsets.Invalid, nil
	}
	return offsets.Valid, nil
}

// parseGroup fills g from the children of an <Offsets> or <Group> element.
// A key without a value and without valid="false" is only declared.
func parseGroup(g *offsets.Group, nodes []node) error {
	for i := range nodes {
		n := &nodes[i]
		name, err := n.requireAttr("name")
		if err != nil {
			return err
		}
		if n.XMLName.Local == "Group" {
			if err := parseGroup(g.CreateGroup(name), n.Nodes); err != nil {
				return err
			}
			continue
		}

		v, err := validity(n)
		if err != nil {
			return err
		}
		value, hasValue := n.attr("value")
		declared := !hasValue && v == offsets.Valid

		switch n.XMLName.Local {
		case "Offset":
			switch {
			case declared:
				g.CreateOffset(name)
			case !hasValue:
				g.SetOffset(name, 0, v)
			default:
				err = g.SetOffsetString(name, value, v)
			}
		case "Address":
			switch {
			case declared:
				g.CreateAddress(name)
			case !hasValue:
				g.SetAddress(name, 0, v)
			default:
				err = g.SetAddressString(name, value, v)
			}
		case "HexValue":
			switch {
			case declared:
				g.CreateHexValue(name)
			case !hasValue:
				g.SetHexValue(name, 0, v)
			default:
				err = g.SetHexValueString(name, value, v)
			}
		case "String":
			if declared {
				g.CreateString(name)
			} else {
				g.SetString(name, value, v)
			}
		default:
			return fmt.Errorf("unknown element <%s> in group %q", n.XMLName.Local, g.FullName())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Raw) parseVTable(n *node) error {
	if v, ok := n.attr("rebase"); ok {
		delta, err := offsets.ParseSignedHex(v)
		if err != nil {
			return fmt.Errorf("vtable rebase: %w", err)
		}
		r.VTableRebase += delta
	}

	for i := range n.Nodes {
		c := &n.Nodes[i]
		decl, err := parseClass(c)
		if err != nil {
			return err
		}
		r.Classes = append(r.Classes, decl)
	}
	return nil
}

func parseClass(n *node) (ClassDecl, error) {
	var decl ClassDecl
	switch n.XMLName.Local {
	case "class":
	case "multiclass":
		decl.Multi = true
		decl.TagSize = descriptor.DefaultTagSize
	default:
		return decl, fmt.Errorf("unknown element <%s> in vtable", n.XMLName.Local)
	}

	var err error
	if decl.Name, err = n.requireAttr("name"); err != nil {
		return decl, err
	}
	vtable, err := n.requireAttr("vtable")
	if err != nil {
		return decl, err
	}
	if decl.VTable, err = offsets.ParseUnsignedHex(vtable); err != nil {
		return decl, fmt.Errorf("class %q: %w", decl.Name, err)
	}
	if v, ok := n.attr("typeoffset"); ok {
		if decl.TypeOffset, err = offsets.ParseUnsignedHex(v); err != nil {
			return decl, fmt.Errorf("class %q: %w", decl.Name, err)
		}
	}
	if !decl.Multi {
		if len(n.Nodes) > 0 {
			return decl, fmt.Errorf("class %q has children but is not a multiclass", decl.Name)
		}
		return decl, nil
	}

	if v, ok := n.attr("tagsize"); ok {
		size, err := strconv.Atoi(v)
		if err != nil || (size != 1 && size != 2 && size != 4 && size != 8) {
			return decl, fmt.Errorf("multiclass %q: bad tag size %q", decl.Name, v)
		}
		decl.TagSize = size
	}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.XMLName.Local != "class" {
			return decl, fmt.Errorf("unknown element <%s> in multiclass %q", c.XMLName.Local, decl.Name)
		}
		name, err := c.requireAttr("name")
		if err != nil {
			return decl, err
		}
		tv, err := c.requireAttr("type")
		if err != nil {
			return decl, err
		}
		tag, err := strconv.ParseUint(strings.TrimSpace(tv), 0, 32)
		if err != nil {
			return decl, fmt.Errorf("multiclass %q child %q: bad type %q", decl.Name, name, tv)
		}
		decl.Children = append(decl.Children, ChildDecl{Name: name, Tag: uint32(tag)})
	}
	return decl, nil
}

func intAttr(n *node, name string) (int, error) {
	v, err := n.requireAttr(name)
	if err != nil {
		return 0, err
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("<%s> %s: %w", n.XMLName.Local, name, err)
	}
	return int(i), nil
}

func (r *Raw) parseNames(n *node, elem, table string) error {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.XMLName.Local != elem {
			return fmt.Errorf("unknown element <%s> in <%s>", c.XMLName.Local, n.XMLName.Local)
		}
		id, err := intAttr(c, "id")
		if err != nil {
			return err
		}
		name, err := c.requireAttr("name")
		if err != nil {
			return err
		}
		r.Names = append(r.Names, NameDecl{Table: table, ID: id, Name: name})
	}
	return nil
}

func (r *Raw) parseLevels(n *node) error {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.XMLName.Local != "Level" {
			return fmt.Errorf("unknown element <%s> in <Levels>", c.XMLName.Local)
		}
		level, err := intAttr(c, "level")
		if err != nil {
			return err
		}
		xp, err := c.requireAttr("xpNxtLvl")
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(xp), 0, 32)
		if err != nil {
			return fmt.Errorf("level %d: bad xpNxtLvl %q", level, xp)
		}
		r.Levels[level] = uint32(v)
	}
	return nil
}

func (r *Raw) parseTraits(n *node) error {
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.XMLName.Local != "Trait" {
			return fmt.Errorf("unknown element <%s> in <Traits>", c.XMLName.Local)
		}
		id, err := intAttr(c, "id")
		if err != nil {
			return err
		}
		var t descriptor.Trait
		if t.Name, err = c.requireAttr("name"); err != nil {
			return err
		}
		for l := range t.Levels {
			t.Levels[l], _ = c.attr("level_" + strconv.Itoa(l))
		}
		r.Traits[id] = t
	}
	return nil
}
