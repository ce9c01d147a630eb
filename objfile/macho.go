// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of Mach-O executables (OS X).

package objfile

import (
	"debug/macho"
	"io"

	"github.com/dwarfhack/memlayout/descriptor"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) os() descriptor.OS {
	return descriptor.Apple
}

func (f *machoFile) imageBase() uint64 {
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		return seg.Addr
	}
	return 0
}

func (f *machoFile) pointerSize() int {
	if f.macho.Magic == macho.Magic64 {
		return 8
	}
	return 4
}

func (f *machoFile) peTimestamp() (uint32, bool) {
	return 0, false
}

func (f *machoFile) sections() ([]Section, error) {
	var out []Section
	for _, sect := range f.macho.Sections {
		// zero-fill sections have no file data
		if sect.Offset == 0 {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, err
		}
		out = append(out, Section{Name: sect.Name, Addr: sect.Addr, Data: data})
	}
	return out, nil
}
