// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Parsing of PE executables (Microsoft Windows).

package objfile

import (
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dwarfhack/memlayout/descriptor"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) os() descriptor.OS {
	return descriptor.Windows
}

func (f *peFile) imageBase() uint64 {
	var imageBase uint64
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		imageBase = oh.ImageBase
	}
	return imageBase
}

func (f *peFile) pointerSize() int {
	if _, ok := f.pe.OptionalHeader.(*pe.OptionalHeader64); ok {
		return 8
	}
	return 4
}

func (f *peFile) peTimestamp() (uint32, bool) {
	return f.pe.FileHeader.TimeDateStamp, true
}

func (f *peFile) sections() ([]Section, error) {
	imageBase := f.imageBase()
	var out []Section
	for _, sect := range f.pe.Sections {
		if sect.Size == 0 {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("Reading section data failed: %w", err)
		}
		out = append(out, Section{Name: sect.Name, Addr: imageBase + uint64(sect.VirtualAddress), Data: data})
	}
	return out, nil
}

// PE header fields needed to identify a loaded image.
const (
	dosMagic          = 0x5A4D // MZ
	peMagic           = 0x00004550
	lfanewOffset      = 0x3C
	timestampOffset   = 8  // from the PE signature
	optMagicOffset    = 24 // from the PE signature
	sizeOfImageOffset = 80 // from the PE signature, same for PE32 and PE32+
	maxHeaderSize     = 0x1000
)

// ErrNotPE is returned when a header does not start with a valid MZ/PE pair.
var ErrNotPE = errors.New("not a PE image")

// PEHeader is the part of a mapped PE header used for identification.
type PEHeader struct {
	TimeDateStamp uint32
	SizeOfImage   uint32
	PointerSize   int
}

// ParsePEHeader reads the timestamp and image size out of the first page of
// a PE image, as found at the load base of a running process.
func ParsePEHeader(page []byte) (PEHeader, error) {
	if len(page) < lfanewOffset+4 || binary.LittleEndian.Uint16(page) != dosMagic {
		return PEHeader{}, ErrNotPE
	}
	lfanew := int(binary.LittleEndian.Uint32(page[lfanewOffset:]))
	if lfanew <= 0 || lfanew+sizeOfImageOffset+4 > len(page) || lfanew > maxHeaderSize {
		return PEHeader{}, fmt.Errorf("%w: e_lfanew %#x out of range", ErrNotPE, lfanew)
	}
	if binary.LittleEndian.Uint32(page[lfanew:]) != peMagic {
		return PEHeader{}, ErrNotPE
	}
	hdr := PEHeader{
		TimeDateStamp: binary.LittleEndian.Uint32(page[lfanew+timestampOffset:]),
		SizeOfImage:   binary.LittleEndian.Uint32(page[lfanew+sizeOfImageOffset:]),
	}
	switch binary.LittleEndian.Uint16(page[lfanew+optMagicOffset:]) {
	case 0x10b:
		hdr.PointerSize = 4
	case 0x20b:
		hdr.PointerSize = 8
	default:
		return PEHeader{}, fmt.Errorf("%w: unknown optional header magic", ErrNotPE)
	}
	return hdr, nil
}
