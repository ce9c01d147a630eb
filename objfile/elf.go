// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of ELF executables (Linux, FreeBSD, and so on).

package objfile

import (
	"debug/elf"
	"io"

	"github.com/dwarfhack/memlayout/descriptor"
)

const elfPageSize = 0x1000

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (f *elfFile) os() descriptor.OS {
	return descriptor.Linux
}

// imageBase is the page of the lowest PT_LOAD address, where the loader
// maps the start of the file. It is zero for position independent builds.
func (f *elfFile) imageBase() uint64 {
	var base uint64
	found := false
	for _, prog := range f.elf.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := prog.Vaddr &^ (elfPageSize - 1)
		if !found || start < base {
			base = start
			found = true
		}
	}
	return base
}

func (f *elfFile) pointerSize() int {
	if f.elf.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (f *elfFile) peTimestamp() (uint32, bool) {
	return 0, false
}

func (f *elfFile) sections() ([]Section, error) {
	var out []Section
	for _, sect := range f.elf.Sections {
		if sect.Flags&elf.SHF_ALLOC == 0 || sect.Type == elf.SHT_NOBITS {
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
