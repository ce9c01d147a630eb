/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package matcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dwarfhack/memlayout/catalog"
	"github.com/dwarfhack/memlayout/descriptor"
	"github.com/dwarfhack/memlayout/objfile"
	"github.com/dwarfhack/memlayout/offsets"
)

type fakeProcess struct {
	family descriptor.OS
	base   uint64
	md5    string
	ts     uint32
	image  []byte
	err    error

	hashes atomic.Int32
}

func (p *fakeProcess) Family() descriptor.OS     { return p.family }
func (p *fakeProcess) LoadBase() (uint64, error) { return p.base, nil }

func (p *fakeProcess) ContentHash() (string, error) {
	p.hashes.Add(1)
	return p.md5, p.err
}

func (p *fakeProcess) PETimestamp() (uint32, error) {
	if p.family != descriptor.Windows {
		return 0, objfile.ErrNoTimestamp
	}
	return p.ts, p.err
}

func (p *fakeProcess) Image() ([]byte, error) { return p.image, p.err }

const doc = `<MemoryLayout>
  <Entry id="win S1" version="v1" os="windows">
    <PETimeStamp value="0x11111111"/>
    <Offsets><Address name="x" value="0x401000"/></Offsets>
    <VTable><class name="foo" vtable="0x500000"/></VTable>
  </Entry>
  <Entry id="win S2" version="v2" os="windows" from="win S1">
    <PETimeStamp value="0x22222222"/>
  </Entry>
  <Entry id="lin S1" version="v1" os="linux">
    <MD5 value="aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"/>
    <Offsets><Address name="x" value="0x8000000"/></Offsets>
  </Entry>
  <Entry id="lin S2" version="v2" os="linux" from="lin S1">
    <MD5 value="bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"/>
  </Entry>
  <Entry id="lin S2 again" version="v2b" os="linux" from="lin S1">
    <MD5 value="bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"/>
  </Entry>
  <Entry id="lin pattern" version="v3" os="linux">
    <Signature pattern="{ 44 46 ?? 32 }"/>
  </Entry>
</MemoryLayout>`

func newMatcher(t *testing.T) *Matcher {
	t.Helper()
	c, err := catalog.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Problems()) != 0 {
		t.Fatalf("problems: %v", c.Problems())
	}
	return New(c)
}

func TestMatchTimestamp(t *testing.T) {
	m := newMatcher(t)
	p := &fakeProcess{family: descriptor.Windows, ts: 0x22222222, base: 0x1400000}

	for i := 0; i < 3; i++ {
		b, ok, err := m.Match(p)
		if err != nil || !ok {
			t.Fatalf("Match = %v, %v", ok, err)
		}
		if b.ID != "win S2" || b.Method != ByTimestamp {
			t.Errorf("bound to %s by %s", b.ID, b.Method)
		}
		if b.Descriptor.Base != 0x1400000 {
			t.Errorf("base = %#x, want the load base", b.Descriptor.Base)
		}
		if x, _ := b.Descriptor.Address("x"); x != 0x1401000 {
			t.Errorf("x = %#x", x)
		}
		if v, _ := b.Descriptor.ResolveClassnameToVPtr("foo"); v != 0x1500000 {
			t.Errorf("vtable = %#x", v)
		}
	}
	if p.hashes.Load() != 0 {
		t.Errorf("windows timestamp match hashed the executable")
	}
}

func TestMatchLeavesTemplate(t *testing.T) {
	c, _ := catalog.Parse(strings.NewReader(doc))
	m := New(c)
	p := &fakeProcess{family: descriptor.Windows, ts: 0x11111111, base: 0x800000}
	b, _, _ := m.Match(p)
	b.Descriptor.SetAddress("x", 0, offsets.Valid)

	tmpl, _ := c.Lookup("win S1")
	if tmpl.Base != 0x400000 {
		t.Errorf("template base = %#x", tmpl.Base)
	}
	if x, _ := tmpl.Address("x"); x != 0x401000 {
		t.Errorf("template x = %#x", x)
	}
}

func TestMatchMD5FirstWins(t *testing.T) {
	m := newMatcher(t)
	p := &fakeProcess{family: descriptor.Linux, md5: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", base: 0x10000}

	b, ok, err := m.Match(p)
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v", ok, err)
	}
	if b.ID != "lin S2" || b.Method != ByMD5 {
		t.Errorf("bound to %s by %s", b.ID, b.Method)
	}
	if x, _ := b.Descriptor.Address("x"); x != 0x8010000 {
		t.Errorf("x = %#x", x)
	}
	if p.hashes.Load() != 1 {
		t.Errorf("hashed %d times", p.hashes.Load())
	}
}

func TestMatchPattern(t *testing.T) {
	m := newMatcher(t)
	p := &fakeProcess{family: descriptor.Linux, md5: "cccccccccccccccccccccccccccccccc", image: []byte("...DF 2...")}

	b, ok, err := m.Match(p)
	if err != nil || !ok {
		t.Fatalf("Match = %v, %v", ok, err)
	}
	if b.ID != "lin pattern" || b.Method != ByPattern {
		t.Errorf("bound to %s by %s", b.ID, b.Method)
	}
}

func TestMatchUnsupported(t *testing.T) {
	m := newMatcher(t)
	testCases := []*fakeProcess{
		{family: descriptor.Windows, ts: 0x33333333},
		{family: descriptor.Linux, md5: "dddddddddddddddddddddddddddddddd", image: []byte("nothing")},
		{family: descriptor.Apple, md5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, p := range testCases {
		b, ok, err := m.Match(p)
		if err != nil || ok || b != nil {
			t.Errorf("%v process: Match = %v, %v, %v", p.family, b, ok, err)
		}
	}
}

func TestMatchError(t *testing.T) {
	m := newMatcher(t)
	boom := errors.New("exe vanished")
	p := &fakeProcess{family: descriptor.Linux, err: boom}
	if _, ok, err := m.Match(p); ok || !errors.Is(err, boom) {
		t.Errorf("Match = %v, %v", ok, err)
	}
}

func TestScan(t *testing.T) {
	m := newMatcher(t)
	procs := []Process{
		&fakeProcess{family: descriptor.Linux, md5: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"},
		&fakeProcess{family: descriptor.Windows, ts: 0x11111111, base: 0x400000},
		&fakeProcess{family: descriptor.Linux, err: errors.New("permission denied")},
		&fakeProcess{family: descriptor.Linux, md5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}

	results, err := m.Scan(context.Background(), procs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != len(procs) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Process != procs[i] {
			t.Errorf("result %d out of order", i)
		}
	}
	if results[0].Binding != nil || results[0].Err != nil {
		t.Errorf("unsupported process: %+v", results[0])
	}
	if results[1].Binding == nil || results[1].Binding.ID != "win S1" {
		t.Errorf("windows process: %+v", results[1])
	}
	if results[2].Err == nil {
		t.Errorf("failing process reported no error")
	}
	if results[3].Binding == nil || results[3].Binding.ID != "lin S1" {
		t.Errorf("linux process: %+v", results[3])
	}

	bindings := Bindings(results)
	if len(bindings) != 2 || bindings[0].ID != "win S1" || bindings[1].ID != "lin S1" {
		t.Errorf("Bindings = %v", bindings)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Scan(ctx, procs); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled scan = %v", err)
	}
}
