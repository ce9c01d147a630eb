/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package process

import (
	"encoding/binary"
	"sort"
	"sync/atomic"
)

type region struct {
	base uint64
	data []byte
}

// Snapshot is a Memory backed by byte slices: a saved copy of a process, or
// a stand-in for one. Detach makes every later read fail the way a vanished
// process does.
type Snapshot struct {
	regions  []region
	detached atomic.Bool
}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Map adds a region. Regions must not overlap.
func (s *Snapshot) Map(base uint64, data []byte) {
	s.regions = append(s.regions, region{base, data})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
}

// Detach simulates the process going away.
func (s *Snapshot) Detach() {
	s.detached.Store(true)
}

func (s *Snapshot) find(addr uint64, size int) ([]byte, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base > addr }) - 1
	if i < 0 {
		return nil, false
	}
	r := s.regions[i]
	off := addr - r.base
	if off >= uint64(len(r.data)) || uint64(len(r.data))-off < uint64(size) {
		return nil, false
	}
	return r.data[off : off+uint64(size)], true
}

func (s *Snapshot) ReadMemory(addr uint64, size int) ([]byte, error) {
	if s.detached.Load() {
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrProcessNotOpen}
	}
	data, ok := s.find(addr, size)
	if !ok {
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	}
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

// PutUint stores v little-endian at addr, which must already be mapped.
func (s *Snapshot) PutUint(addr uint64, width int, v uint64) error {
	data, ok := s.find(addr, width)
	if !ok {
		return &ReadError{Addr: addr, Size: width, Err: ErrAddressNotMapped}
	}
	switch width {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	default:
		return ErrBadWidth
	}
	return nil
}
