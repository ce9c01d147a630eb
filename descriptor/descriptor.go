/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package descriptor holds everything known about one build of the game:
// its offset tables, identity, class registry and name tables.
package descriptor

import (
	"fmt"
	"strings"

	"github.com/dwarfhack/memlayout/offsets"
)

// OS is the operating system a build targets.
type OS uint8

const (
	BadOS OS = iota
	Windows
	Linux
	Apple
)

func (o OS) String() string {
	switch o {
	case Windows:
		return "windows"
	case Linux:
		return "linux"
	case Apple:
		return "apple"
	}
	return "bad"
}

// ParseOS accepts the spellings found in descriptor files.
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "win", "win32":
		return Windows, nil
	case "linux":
		return Linux, nil
	case "apple", "darwin", "osx", "macos":
		return Apple, nil
	}
	return BadOS, fmt.Errorf("unknown os %q", s)
}

// DefaultBase is the image base a loader uses for a build of this OS
// unless told otherwise.
func (o OS) DefaultBase() uint64 {
	if o == Windows {
		return 0x400000
	}
	return 0
}

// Descriptor is the complete memory layout of one build. It embeds the
// root offset group.
type Descriptor struct {
	*offsets.Group

	Version     string
	OS          OS
	Base        uint64 // image base every address and vtable is relative to
	MD5         string // hex digest of the executable, lower case
	PETimestamp uint32 // PE header TimeDateStamp, zero when unknown
	Signature   string // byte pattern found in the main image, empty when unused

	classes []ClassRecord
	byName  map[string]ClassID
	byVPtr  map[uint64]ClassID

	professions map[int]string
	jobs        map[int]string
	skills      map[int]string
	labors      map[int]string
	moods       map[int]string
	levels      map[int]uint32
	traits      map[int]Trait
}

// Trait is a personality trait with one description per intensity level.
type Trait struct {
	Name   string
	Levels [6]string
}

// New returns an empty descriptor.
func New(version string, os OS) *Descriptor {
	return &Descriptor{
		Group:       offsets.NewGroup(""),
		Version:     version,
		OS:          os,
		Base:        os.DefaultBase(),
		byName:      make(map[string]ClassID),
		byVPtr:      make(map[uint64]ClassID),
		professions: make(map[int]string),
		jobs:        make(map[int]string),
		skills:      make(map[int]string),
		labors:      make(map[int]string),
		moods:       make(map[int]string),
		levels:      make(map[int]uint32),
		traits:      make(map[int]Trait),
	}
}

// Clone returns an independent deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := New(d.Version, d.OS)
	c.CopyFrom(d)
	return c
}

// CopyFrom replaces everything in d, identity included, with a deep copy of other.
func (d *Descriptor) CopyFrom(other *Descriptor) {
	if other == d {
		return
	}
	d.Group.Copy(other.Group)
	d.Version = other.Version
	d.OS = other.OS
	d.Base = other.Base
	d.MD5 = other.MD5
	d.PETimestamp = other.PETimestamp
	d.Signature = other.Signature

	d.classes = make([]ClassRecord, 0, len(other.classes))
	for _, rec := range other.classes {
		d.classes = append(d.classes, cloneClass(rec))
	}
	d.byName = copyMap(other.byName)
	d.byVPtr = copyMap(other.byVPtr)

	d.professions = copyMap(other.professions)
	d.jobs = copyMap(other.jobs)
	d.skills = copyMap(other.skills)
	d.labors = copyMap(other.labors)
	d.moods = copyMap(other.moods)
	d.levels = copyMap(other.levels)
	d.traits = copyMap(other.traits)
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// RebaseAll moves the descriptor to a new image base. Addresses and vtables
// shift by the same delta so they stay consistent.
func (d *Descriptor) RebaseAll(newBase uint64) {
	delta := int64(newBase - d.Base)
	d.Base = newBase
	if delta == 0 {
		return
	}
	d.RebaseAddresses(delta)
	d.RebaseVTable(delta)
}

// Name identifies the descriptor in logs and listings.
func (d *Descriptor) Name() string {
	return fmt.Sprintf("%s %s", d.Version, d.OS)
}
