/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package process gives read access to the memory of a running game and
// collects what is needed to identify its build.
package process

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrProcessNotOpen is returned when an operation requiring an open process is attempted
	// before the process has been successfully opened or after it has been closed.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrBadWidth is returned for integer reads that are not 1, 2, 4 or 8 bytes wide.
	ErrBadWidth = errors.New("unsupported integer width")
)

// Memory is the raw capability to read another process.
type Memory interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// ReadError records a failed live read.
type ReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Reader decodes pointer-sized and fixed-width integers from a Memory.
type Reader struct {
	Mem         Memory
	PointerSize int
	Order       binary.ByteOrder
}

// NewReader returns a little-endian reader; every supported build is x86.
func NewReader(mem Memory, pointerSize int) *Reader {
	return &Reader{Mem: mem, PointerSize: pointerSize, Order: binary.LittleEndian}
}

func (r *Reader) ReadBytes(addr uint64, size int) ([]byte, error) {
	data, err := r.Mem.ReadMemory(addr, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	}
	return data, nil
}

func (r *Reader) ReadInteger(addr uint64, width int) (uint64, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("%w: %d", ErrBadWidth, width)
	}
	data, err := r.ReadBytes(addr, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(r.Order.Uint16(data)), nil
	case 4:
		return uint64(r.Order.Uint32(data)), nil
	}
	return r.Order.Uint64(data), nil
}

func (r *Reader) ReadPointer(addr uint64) (uint64, error) {
	return r.ReadInteger(addr, r.PointerSize)
}
