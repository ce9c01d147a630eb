/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package process

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type linuxHandle struct {
	pid int
}

func openMemory(pid int32) (handle, error) {
	// an empty read fails with ESRCH once the pid is gone
	if _, err := unix.ProcessVMReadv(int(pid), nil, nil, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil, ErrProcessNotOpen
		}
		return nil, err
	}
	return &linuxHandle{pid: int(pid)}, nil
}

func (h *linuxHandle) Close() error {
	return nil
}

func (h *linuxHandle) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}

	n, err := unix.ProcessVMReadv(h.pid, local, remote, 0)
	switch {
	case errors.Is(err, unix.ESRCH):
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrProcessNotOpen}
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO):
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	case err != nil:
		return nil, &ReadError{Addr: addr, Size: size, Err: err}
	case n < size:
		return nil, &ReadError{Addr: addr, Size: size, Err: ErrAddressNotMapped}
	}
	return buf, nil
}

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	start, end uint64
	offset     uint64
	path       string
}

func parseMaps(sc *bufio.Scanner) ([]mapping, error) {
	var out []mapping
	for sc.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("bad maps line %q", sc.Text())
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, err
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, err
		}
		m := mapping{start: start, end: end, offset: offset}
		if len(fields) >= 6 {
			m.path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// findBase returns the start of the first file-offset-zero mapping of exe
// and the span up to the end of its last mapping. Wine maps the program
// through its own loader, so for wine the mapped path only has to agree on
// the file name.
func findBase(maps []mapping, exe string, wine bool) (module, bool) {
	want := filepath.Clean(exe)
	same := func(path string) bool {
		if path == "" {
			return false
		}
		if path == want {
			return true
		}
		return wine && strings.EqualFold(filepath.Base(path), filepath.Base(want))
	}

	var mod module
	found := false
	var path string
	for _, m := range maps {
		if !found {
			if m.offset != 0 || !same(m.path) {
				continue
			}
			mod.base, path, found = m.start, m.path, true
		}
		if m.path == path && m.end > mod.base+mod.size {
			mod.size = m.end - mod.base
		}
	}
	return mod, found
}

func moduleBase(t Target) (module, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", t.PID))
	if err != nil {
		return module{}, err
	}
	defer f.Close()

	maps, err := parseMaps(bufio.NewScanner(f))
	if err != nil {
		return module{}, err
	}
	mod, ok := findBase(maps, t.Exe, t.Wine)
	if !ok {
		return module{}, fmt.Errorf("%s is not mapped", t.Exe)
	}
	return mod, nil
}
