/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package offsets

import (
	"fmt"
	"strings"
)

// PrintOffsets dumps every entry of g and its descendants, one per line, in
// declaration order. Child groups are nested by indent+1 levels of two spaces.
func (g *Group) PrintOffsets(indent int) string {
	var sb strings.Builder
	g.printTo(&sb, indent)
	return sb.String()
}

func (g *Group) printTo(sb *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	if g.name != "" {
		fmt.Fprintf(sb, "%sgroup %s\n", pad, g.name)
		indent++
		pad = strings.Repeat("  ", indent)
	}

	g.offsets.each(func(key string, e entry[int64]) {
		writeLine(sb, pad, tableOffset, key, formatSigned(e.value), e.validity)
	})
	g.addresses.each(func(key string, e entry[uint64]) {
		writeLine(sb, pad, tableAddress, key, fmt.Sprintf("0x%x", e.value), e.validity)
	})
	g.hexValues.each(func(key string, e entry[uint64]) {
		writeLine(sb, pad, tableHexValue, key, fmt.Sprintf("0x%x", e.value), e.validity)
	})
	g.strs.each(func(key string, e entry[string]) {
		writeLine(sb, pad, tableString, key, fmt.Sprintf("%q", e.value), e.validity)
	})

	for _, c := range g.Groups() {
		c.printTo(sb, indent)
	}
}

func writeLine(sb *strings.Builder, pad, tbl, key, value string, v Validity) {
	switch v {
	case Valid:
		fmt.Fprintf(sb, "%s%-9s %-32s %s\n", pad, tbl, key, value)
	default:
		fmt.Fprintf(sb, "%s%-9s %-32s <%s>\n", pad, tbl, key, v)
	}
}

// EntryDump is the JSON form of one table entry.
type EntryDump struct {
	Table    string
	Key      string
	Value    string `json:",omitempty"`
	Validity string
}

// GroupDump is the JSON form of a group tree.
type GroupDump struct {
	Name    string
	Entries []EntryDump `json:",omitempty"`
	Groups  []GroupDump `json:",omitempty"`
}

// Dump converts g into a tree of plain values, keeping declaration order.
func (g *Group) Dump() GroupDump {
	d := GroupDump{Name: g.name}
	add := func(tbl, key, value string, v Validity) {
		if v != Valid {
			value = ""
		}
		d.Entries = append(d.Entries, EntryDump{Table: tbl, Key: key, Value: value, Validity: v.String()})
	}
	g.offsets.each(func(key string, e entry[int64]) {
		add(tableOffset, key, formatSigned(e.value), e.validity)
	})
	g.addresses.each(func(key string, e entry[uint64]) {
		add(tableAddress, key, fmt.Sprintf("0x%x", e.value), e.validity)
	})
	g.hexValues.each(func(key string, e entry[uint64]) {
		add(tableHexValue, key, fmt.Sprintf("0x%x", e.value), e.validity)
	})
	g.strs.each(func(key string, e entry[string]) {
		add(tableString, key, e.value, e.validity)
	})
	for _, c := range g.Groups() {
		d.Groups = append(d.Groups, c.Dump())
	}
	return d
}
