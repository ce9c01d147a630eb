// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package objfile implements portable access to OS-specific executable
// files: the identity data needed to tell one game build from another.
package objfile

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dwarfhack/memlayout/descriptor"
)

// ErrNoTimestamp is returned by PETimestamp for images without a PE header.
var ErrNoTimestamp = errors.New("image has no PE timestamp")

type rawFile interface {
	os() descriptor.OS
	imageBase() uint64
	pointerSize() int
	peTimestamp() (uint32, bool)
	sections() ([]Section, error)
}

// A Section is one loaded section of an image.
type Section struct {
	Name string
	Addr uint64 // virtual address
	Data []byte
}

// Hasher computes the content hash that descriptors record for a build.
type Hasher interface {
	HashFile(path string) (string, error)
}

// MD5Hasher hashes files on every call.
type MD5Hasher struct{}

func (MD5Hasher) HashFile(path string) (string, error) {
	return MD5File(path)
}

// MD5File returns the lower-case hex md5 digest of a file.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// A File is an opened executable file.
type File struct {
	r      *os.File
	name   string
	raw    rawFile
	hasher Hasher
}

var openers = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Open opens the named file.
// The caller must call f.Close when the file is no longer needed.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	for _, try := range openers {
		if raw, err := try(r); err == nil {
			return &File{r: r, name: name, raw: raw, hasher: MD5Hasher{}}, nil
		}
	}
	r.Close()
	return nil, fmt.Errorf("open %s: unrecognized object file or bad filepath", name)
}

func (f *File) Close() error {
	return f.r.Close()
}

func (f *File) Name() string {
	return f.name
}

// SetHasher replaces the md5 computation, typically with a cache.
func (f *File) SetHasher(h Hasher) {
	f.hasher = h
}

// Family is the OS the image was built for.
func (f *File) Family() descriptor.OS {
	return f.raw.os()
}

// ImageBase is the preferred load address recorded in the headers.
func (f *File) ImageBase() uint64 {
	return f.raw.imageBase()
}

func (f *File) PointerSize() int {
	return f.raw.pointerSize()
}

// LoadBase is where a bound descriptor's addresses are moved to. Windows
// descriptors are relative to the image base, so a file on disk reports its
// preferred one. Other descriptors hold link-time addresses, and a file that
// was never loaded has not slid from them.
func (f *File) LoadBase() (uint64, error) {
	if f.raw.os() != descriptor.Windows {
		return 0, nil
	}
	return f.raw.imageBase(), nil
}

func (f *File) PETimestamp() (uint32, error) {
	ts, ok := f.raw.peTimestamp()
	if !ok {
		return 0, ErrNoTimestamp
	}
	return ts, nil
}

func (f *File) ContentHash() (string, error) {
	return f.hasher.HashFile(f.name)
}

func (f *File) Sections() ([]Section, error) {
	return f.raw.sections()
}

// Image concatenates the loaded sections, for signature scans.
func (f *File) Image() ([]byte, error) {
	sects, err := f.raw.sections()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, s := range sects {
		out = append(out, s.Data...)
	}
	return out, nil
}
