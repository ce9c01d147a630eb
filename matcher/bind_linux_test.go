/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package matcher

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/dwarfhack/memlayout/catalog"
	"github.com/dwarfhack/memlayout/objfile"
	"github.com/dwarfhack/memlayout/process"
)

// selfMatcher describes the running test binary by its md5 with link-time
// addresses, the way linux entries are written.
func selfMatcher(t *testing.T, exe string) *Matcher {
	t.Helper()
	sum, err := objfile.MD5File(exe)
	if err != nil {
		t.Fatalf("MD5File: %v", err)
	}
	c, err := catalog.Parse(strings.NewReader(fmt.Sprintf(`<MemoryLayout>
  <Entry id="self" version="v1" os="linux">
    <MD5 value="%s"/>
    <Offsets><Address name="x" value="0x401000"/></Offsets>
    <VTable><class name="foo" vtable="0x402000"/></VTable>
  </Entry>
</MemoryLayout>`, sum)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return New(c)
}

func checkBound(t *testing.T, b *Binding, slide uint64) {
	t.Helper()
	if b.Descriptor.Base != slide {
		t.Errorf("base = %#x, want %#x", b.Descriptor.Base, slide)
	}
	if x, _ := b.Descriptor.Address("x"); x != 0x401000+slide {
		t.Errorf("x = %#x, want %#x", x, 0x401000+slide)
	}
	if v, _ := b.Descriptor.ResolveClassnameToVPtr("foo"); v != 0x402000+slide {
		t.Errorf("vtable = %#x, want %#x", v, 0x402000+slide)
	}
}

func TestBindExecutable(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := objfile.Open(exe)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	b, ok, err := selfMatcher(t, exe).Match(f)
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v", ok, err)
	}
	if b.Method != ByMD5 {
		t.Errorf("bound by %s", b.Method)
	}
	// the file on disk is not relocated
	checkBound(t, b, 0)
}

func TestBindRunningSelf(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := objfile.Open(exe)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	preferred, family := f.ImageBase(), f.Family()
	f.Close()

	p, err := process.Attach(process.Target{PID: int32(os.Getpid()), Exe: exe, Family: family}, nil)
	if err != nil {
		t.Skipf("cannot attach to self: %v", err)
	}
	defer p.Close()

	b, ok, err := selfMatcher(t, exe).Match(p)
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v", ok, err)
	}
	// a fixed-address build runs where it was linked; a position independent
	// one slides by where it was mapped
	slide := p.ModuleBase() - preferred
	if preferred != 0 && slide != 0 {
		t.Errorf("fixed-address build slid by %#x", slide)
	}
	checkBound(t, b, slide)
}
