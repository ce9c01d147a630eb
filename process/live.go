/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package process

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/dwarfhack/memlayout/descriptor"
	"github.com/dwarfhack/memlayout/objfile"
)

const (
	pageSize = 0x1000

	// no game build maps anywhere near this much
	maxImageSize = 1 << 30
)

// module is where the executable is mapped. size is zero when the OS did
// not report it.
type module struct {
	base uint64
	size uint64
}

// handle is an OS memory handle for one process.
type handle interface {
	Memory
	Close() error
}

// Process is an attached, running game. It reports the identity data a
// catalog needs and reads the game's memory for class identification.
type Process struct {
	Target

	hasher  objfile.Hasher
	mu      sync.Mutex
	h       handle
	mod     module
	load    uint64
	header  *objfile.PEHeader
	onClose []func()
}

// Attach opens the target for reading. A nil hasher hashes the executable
// on every call. Anything caching what it read from the process, such as a
// classid.Identifier, must be invalidated when the process is closed;
// register that with OnClose.
func Attach(t Target, hasher objfile.Hasher) (*Process, error) {
	if hasher == nil {
		hasher = objfile.MD5Hasher{}
	}
	h, err := openMemory(t.PID)
	if err != nil {
		return nil, fmt.Errorf("attach to pid %d: %w", t.PID, err)
	}
	mod, err := moduleBase(t)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("load base of pid %d: %w", t.PID, err)
	}
	load, err := loadBase(t, mod)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("load base of pid %d: %w", t.PID, err)
	}
	p := &Process{Target: t, hasher: hasher, h: h, mod: mod, load: load}
	log.WithFields(log.Fields{"pid": t.PID, "exe": t.Exe, "module": fmt.Sprintf("%#x", mod.base), "base": fmt.Sprintf("%#x", load)}).Debug("attached")
	return p, nil
}

// loadBase is the base a bound descriptor is moved to. Windows descriptors
// are relative to the image base, the module start. Other descriptors hold
// link-time addresses, so only the slide from the preferred base applies:
// zero for a fixed-address build, the module start for a position
// independent one.
func loadBase(t Target, mod module) (uint64, error) {
	if t.Family == descriptor.Windows {
		return mod.base, nil
	}
	f, err := objfile.Open(t.Exe)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return mod.base - f.ImageBase(), nil
}

// Close releases the OS handle and runs the OnClose functions. Reads after
// Close fail with ErrProcessNotOpen.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.h == nil {
		p.mu.Unlock()
		return nil
	}
	err := p.h.Close()
	p.h = nil
	hooks := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return err
}

// OnClose registers fn to run once the process is closed. On a process that
// is already closed fn runs immediately.
func (p *Process) OnClose(fn func()) {
	p.mu.Lock()
	if p.h != nil {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

func (p *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	h := p.h
	p.mu.Unlock()
	if h == nil {
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrProcessNotOpen}
	}
	if size == 0 {
		return []byte{}, nil
	}
	return h.ReadMemory(addr, size)
}

func (p *Process) Family() descriptor.OS {
	return p.Target.Family
}

func (p *Process) LoadBase() (uint64, error) {
	return p.load, nil
}

// ModuleBase is the address the executable is mapped at.
func (p *Process) ModuleBase() uint64 {
	return p.mod.base
}

func (p *Process) ContentHash() (string, error) {
	return p.hasher.HashFile(p.Exe)
}

// peHeader reads the in-memory PE header once.
func (p *Process) peHeader() (*objfile.PEHeader, error) {
	p.mu.Lock()
	hdr := p.header
	p.mu.Unlock()
	if hdr != nil {
		return hdr, nil
	}
	page, err := p.ReadMemory(p.mod.base, pageSize)
	if err != nil {
		return nil, err
	}
	parsed, err := objfile.ParsePEHeader(page)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.header = &parsed
	p.mu.Unlock()
	return &parsed, nil
}

func (p *Process) PETimestamp() (uint32, error) {
	if p.Target.Family != descriptor.Windows {
		return 0, objfile.ErrNoTimestamp
	}
	hdr, err := p.peHeader()
	if err != nil {
		return 0, err
	}
	return hdr.TimeDateStamp, nil
}

// PointerSize is 4 or 8 depending on the game's bitness.
func (p *Process) PointerSize() (int, error) {
	if p.Target.Family == descriptor.Windows {
		hdr, err := p.peHeader()
		if err != nil {
			return 0, err
		}
		return hdr.PointerSize, nil
	}
	f, err := objfile.Open(p.Exe)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.PointerSize(), nil
}

// Reader returns a decoder over the game's memory sized for its bitness.
func (p *Process) Reader() (*Reader, error) {
	size, err := p.PointerSize()
	if err != nil {
		return nil, err
	}
	return NewReader(p, size), nil
}

// Image returns the bytes a signature pattern is matched against. Windows
// images are read from memory page by page, unreadable pages left zero;
// others come from the sections of the executable on disk.
func (p *Process) Image() ([]byte, error) {
	if p.Target.Family != descriptor.Windows {
		f, err := objfile.Open(p.Exe)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.Image()
	}

	hdr, err := p.peHeader()
	if err != nil {
		return nil, err
	}
	size := uint64(hdr.SizeOfImage)
	if p.mod.size != 0 && size > p.mod.size {
		size = p.mod.size
	}
	if size == 0 || size > maxImageSize {
		return nil, fmt.Errorf("implausible image size %#x", hdr.SizeOfImage)
	}
	img := make([]byte, size)
	for off := 0; off < len(img); off += pageSize {
		n := min(pageSize, len(img)-off)
		data, err := p.ReadMemory(p.mod.base+uint64(off), n)
		if err != nil {
			if errors.Is(err, ErrProcessNotOpen) {
				return nil, err
			}
			continue
		}
		copy(img[off:], data)
	}
	return img, nil
}
