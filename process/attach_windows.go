/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package process

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsHandle struct {
	h windows.Handle
}

func openMemory(pid int32) (handle, error) {
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return nil, err
	}
	return &windowsHandle{h: h}, nil
}

func (h *windowsHandle) Close() error {
	return windows.CloseHandle(h.h)
}

func (h *windowsHandle) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	var n uintptr
	err := windows.ReadProcessMemory(h.h, uintptr(addr), &buf[0], uintptr(size), &n)
	switch {
	case errors.Is(err, windows.ERROR_PARTIAL_COPY), errors.Is(err, windows.ERROR_NOACCESS):
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	case errors.Is(err, windows.ERROR_INVALID_HANDLE):
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrProcessNotOpen}
	case err != nil:
		return nil, &ReadError{Addr: addr, Size: size, Err: err}
	case int(n) < size:
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	}
	return buf, nil
}

// moduleBase is the first module in the snapshot, which is always the
// executable.
func moduleBase(t Target) (module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(t.PID))
	if err != nil {
		return module{}, err
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	if err := windows.Module32First(snap, &me); err != nil {
		return module{}, err
	}
	return module{base: uint64(me.ModBaseAddr), size: uint64(me.ModBaseSize)}, nil
}
