/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package descriptor

import (
	"fmt"
	"sort"
	"strings"
)

// PrintOffsets dumps identity, class registry and offset tree in a stable
// textual form suitable for diffing two builds.
func (d *Descriptor) PrintOffsets() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "version   %s\n", d.Version)
	fmt.Fprintf(&sb, "os        %s\n", d.OS)
	fmt.Fprintf(&sb, "base      0x%x\n", d.Base)
	if d.MD5 != "" {
		fmt.Fprintf(&sb, "md5       %s\n", d.MD5)
	}
	if d.PETimestamp != 0 {
		fmt.Fprintf(&sb, "timestamp 0x%x\n", d.PETimestamp)
	}
	if d.Signature != "" {
		fmt.Fprintf(&sb, "signature %s\n", d.Signature)
	}

	if lines := d.classLines(); len(lines) > 0 {
		sb.WriteString("vtable\n")
		for _, line := range lines {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	sb.WriteString(d.Group.PrintOffsets(0))
	return sb.String()
}

func (d *Descriptor) classLines() []string {
	var lines []string
	for _, rec := range d.classes {
		switch c := rec.(type) {
		case *SimpleClass:
			lines = append(lines, fmt.Sprintf("class      %-32s 0x%x", c.Name, c.VTable))
		case *MultiClass:
			lines = append(lines, fmt.Sprintf("multiclass %-32s 0x%x typeoffset 0x%x", c.Name, c.VTable, c.TypeOffset))
			tags := make([]int, 0, len(c.Children))
			for tag := range c.Children {
				tags = append(tags, int(tag))
			}
			sort.Ints(tags)
			for _, tag := range tags {
				child := d.classes[c.Children[uint32(tag)]]
				lines = append(lines, fmt.Sprintf("  type %-4d %s", tag, child.ClassName()))
			}
		}
	}
	return lines
}

// ClassDump is the JSON form of a class record.
type ClassDump struct {
	ID         ClassID
	Kind       string
	Name       string
	VTable     string  `json:",omitempty"`
	TypeOffset string  `json:",omitempty"`
	Parent     string  `json:",omitempty"`
	Tag        *uint32 `json:",omitempty"`
}

// ClassDumps lists the registry in a JSON-friendly form.
func (d *Descriptor) ClassDumps() []ClassDump {
	out := make([]ClassDump, 0, len(d.classes))
	for _, rec := range d.classes {
		switch c := rec.(type) {
		case *SimpleClass:
			out = append(out, ClassDump{ID: c.ID, Kind: "class", Name: c.Name, VTable: fmt.Sprintf("0x%x", c.VTable)})
		case *MultiClass:
			out = append(out, ClassDump{ID: c.ID, Kind: "multiclass", Name: c.Name,
				VTable: fmt.Sprintf("0x%x", c.VTable), TypeOffset: fmt.Sprintf("0x%x", c.TypeOffset)})
		case *ChildClass:
			tag := c.Tag
			out = append(out, ClassDump{ID: c.ID, Kind: "child", Name: c.Name,
				Parent: d.classes[c.Parent].ClassName(), Tag: &tag})
		}
	}
	return out
}
