/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"encoding/binary"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/dwarfhack/memlayout/descriptor"
)

func peHeaderPage(lfanew int, optMagic uint16, timestamp, sizeOfImage uint32) []byte {
	page := make([]byte, maxHeaderSize)
	binary.LittleEndian.PutUint16(page, dosMagic)
	binary.LittleEndian.PutUint32(page[lfanewOffset:], uint32(lfanew))
	binary.LittleEndian.PutUint32(page[lfanew:], peMagic)
	binary.LittleEndian.PutUint32(page[lfanew+timestampOffset:], timestamp)
	binary.LittleEndian.PutUint16(page[lfanew+optMagicOffset:], optMagic)
	binary.LittleEndian.PutUint32(page[lfanew+sizeOfImageOffset:], sizeOfImage)
	return page
}

func TestParsePEHeader(t *testing.T) {
	testCases := []struct {
		name    string
		page    []byte
		want    PEHeader
		wantErr bool
	}{
		{"pe32", peHeaderPage(0x80, 0x10b, 0x4f5d2c53, 0x1a2000), PEHeader{0x4f5d2c53, 0x1a2000, 4}, false},
		{"pe32+", peHeaderPage(0xf8, 0x20b, 0x5e7b1a2b, 0x2000000), PEHeader{0x5e7b1a2b, 0x2000000, 8}, false},
		{"short", []byte{'M', 'Z'}, PEHeader{}, true},
		{"no mz", make([]byte, maxHeaderSize), PEHeader{}, true},
		{"bad optional magic", peHeaderPage(0x80, 0x107, 1, 1), PEHeader{}, true},
	}

	lfanewOut := peHeaderPage(0x80, 0x10b, 1, 1)
	binary.LittleEndian.PutUint32(lfanewOut[lfanewOffset:], 0x2000)
	testCases = append(testCases, struct {
		name    string
		page    []byte
		want    PEHeader
		wantErr bool
	}{"lfanew out of range", lfanewOut, PEHeader{}, true})

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePEHeader(tc.page)
			if tc.wantErr {
				if !errors.Is(err, ErrNotPE) {
					t.Fatalf("ParsePEHeader error = %v, want ErrNotPE", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePEHeader: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParsePEHeader = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is only known to be ELF on linux")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := Open(exe)
	if err != nil {
		t.Fatalf("Open(%s): %v", exe, err)
	}
	defer f.Close()

	if f.Family() != descriptor.Linux {
		t.Errorf("Family = %v, want Linux", f.Family())
	}
	want := 8
	if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
		want = 4
	}
	if f.PointerSize() != want {
		t.Errorf("PointerSize = %d, want %d", f.PointerSize(), want)
	}
	if _, err := f.PETimestamp(); !errors.Is(err, ErrNoTimestamp) {
		t.Errorf("PETimestamp error = %v, want ErrNoTimestamp", err)
	}

	hash, err := f.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	direct, err := MD5File(exe)
	if err != nil {
		t.Fatal(err)
	}
	if hash != direct || len(hash) != 32 {
		t.Errorf("ContentHash = %q, MD5File = %q", hash, direct)
	}

	img, err := f.Image()
	if err != nil {
		t.Fatal(err)
	}
	if len(img) == 0 {
		t.Errorf("empty image")
	}
}

func TestOpenNotAnExecutable(t *testing.T) {
	path := t.TempDir() + "/memory.xml"
	if err := os.WriteFile(path, []byte("<data-definition/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Errorf("Open of a text file succeeded")
	}
}
