/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package offsets

import (
	"errors"
	"strings"
	"testing"
)

func TestCreateThenGet(t *testing.T) {
	g := NewGroup("")
	for _, key := range []string{"a", "b", "creature_vector"} {
		g.CreateOffset(key)
		if _, err := g.Offset(key); !IsMissing(err) {
			t.Errorf("Offset(%q) after create: got %v, want missing", key, err)
		}

		g.SetOffset(key, 0x42, Valid)
		v, err := g.Offset(key)
		if err != nil || v != 0x42 {
			t.Errorf("Offset(%q) = %#x, %v; want 0x42", key, v, err)
		}
	}
}

func TestCreateDoesNotOverwrite(t *testing.T) {
	g := NewGroup("")
	g.SetAddress("x", 100, Valid)
	g.CreateAddress("x")
	if v, err := g.Address("x"); err != nil || v != 100 {
		t.Errorf("Address(x) = %d, %v; want 100", v, err)
	}
}

func TestMissingVersusInvalid(t *testing.T) {
	g := NewGroup("creatures")
	g.SetOffset("custom_profession", 0, Invalid)

	_, err := g.Offset("custom_profession")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("invalid key: got %v", err)
	}
	if errors.Is(err, ErrMissingKey) {
		t.Errorf("invalid key must not match ErrMissingKey")
	}

	_, err = g.Offset("never_declared")
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing key: got %v", err)
	}

	var ke *KeyError
	if !errors.As(err, &ke) || ke.Group != "creatures" || ke.Table != "offset" {
		t.Errorf("unexpected KeyError %+v", ke)
	}

	if _, ok := g.SafeOffset("custom_profession"); ok {
		t.Errorf("SafeOffset reported success for invalid key")
	}
}

func TestOverwriteUpdatesValidity(t *testing.T) {
	g := NewGroup("")
	g.SetHexValue("mask", 0xff, Valid)
	g.SetHexValue("mask", 0, Invalid)
	if _, err := g.HexValue("mask"); !IsInvalid(err) {
		t.Errorf("expected invalid after overwrite, got %v", err)
	}
	g.SetHexValue("mask", 0x7f, Valid)
	if v, _ := g.HexValue("mask"); v != 0x7f {
		t.Errorf("HexValue(mask) = %#x, want 0x7f", v)
	}
}

func TestSetFromText(t *testing.T) {
	testCases := []struct {
		in      string
		signed  int64
		wantErr bool
	}{
		{"0x10", 0x10, false},
		{"10", 0x10, false},
		{"-0x10", -0x10, false},
		{"+0X1F", 0x1f, false},
		{" 0xdeadbeef ", 0xdeadbeef, false},
		{"", 0, true},
		{"0x", 0, true},
		{"-", 0, true},
		{"0xZZ", 0, true},
		{"12g", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			g := NewGroup("")
			err := g.SetOffsetString("k", tc.in, Valid)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("SetOffsetString(%q): got %v, want ErrMalformed", tc.in, err)
				}
				if _, ok := g.SafeOffset("k"); ok {
					t.Errorf("malformed input must not create a value")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetOffsetString(%q): %v", tc.in, err)
			}
			if v, _ := g.Offset("k"); v != tc.signed {
				t.Errorf("Offset = %#x, want %#x", v, tc.signed)
			}
		})
	}

	g := NewGroup("")
	if err := g.SetAddressString("a", "-0x10", Valid); !errors.Is(err, ErrMalformed) {
		t.Errorf("negative address should be malformed, got %v", err)
	}
}

func TestCreateGroupIsIdempotent(t *testing.T) {
	root := NewGroup("")
	a := root.CreateGroup("creatures")
	a.SetOffset("name", 4, Valid)
	b := root.CreateGroup("creatures")
	if a != b {
		t.Fatalf("CreateGroup returned a new sibling")
	}
	if len(root.Groups()) != 1 {
		t.Errorf("got %d children, want 1", len(root.Groups()))
	}
	inner := b.CreateGroup("advanced")
	if inner.FullName() != "creatures.advanced" {
		t.Errorf("FullName = %q", inner.FullName())
	}
	if _, err := root.Subgroup("items"); !IsMissing(err) {
		t.Errorf("Group(items): got %v, want missing", err)
	}
}

func TestRebaseAddresses(t *testing.T) {
	root := NewGroup("")
	root.SetAddress("top", 0x1000, Valid)
	root.SetOffset("off", 0x10, Valid)
	root.SetHexValue("hex", 0x20, Valid)
	child := root.CreateGroup("maps")
	child.SetAddress("blocks", 0x2000, Valid)
	child.SetAddress("gone", 0, Invalid)

	for _, d := range []int64{0, 0x10, -0x10, 0x7fff0000, -0x400000} {
		root.RebaseAddresses(d)
		top, _ := root.Address("top")
		blocks, _ := child.Address("blocks")
		if top != uint64(0x1000+d) || blocks != uint64(0x2000+d) {
			t.Errorf("delta %#x: top=%#x blocks=%#x", d, top, blocks)
		}
		if off, _ := root.Offset("off"); off != 0x10 {
			t.Errorf("offset rebased: %#x", off)
		}
		if hex, _ := root.HexValue("hex"); hex != 0x20 {
			t.Errorf("hexvalue rebased: %#x", hex)
		}
		root.RebaseAddresses(-d)
		top, _ = root.Address("top")
		blocks, _ = child.Address("blocks")
		if top != 0x1000 || blocks != 0x2000 {
			t.Errorf("delta %#x not inverted: top=%#x blocks=%#x", d, top, blocks)
		}
	}
}

func TestCopyIsDeep(t *testing.T) {
	src := NewGroup("")
	src.SetAddress("x", 100, Valid)
	src.CreateGroup("items").SetOffset("id", 8, Valid)

	dst := NewGroup("")
	dst.SetString("stale", "gone", Valid)
	dst.Copy(src)

	if _, err := dst.StringValue("stale"); !IsMissing(err) {
		t.Errorf("Copy kept stale content")
	}

	dst.SetAddress("x", 200, Valid)
	items, _ := dst.Subgroup("items")
	items.SetOffset("id", 12, Valid)
	if items.Parent() != dst {
		t.Errorf("copied child has wrong parent")
	}

	if v, _ := src.Address("x"); v != 100 {
		t.Errorf("source mutated: x=%d", v)
	}
	srcItems, _ := src.Subgroup("items")
	if v, _ := srcItems.Offset("id"); v != 8 {
		t.Errorf("source child mutated: id=%d", v)
	}
}

func TestMerge(t *testing.T) {
	base := NewGroup("")
	base.SetAddress("x", 100, Valid)
	base.SetAddress("y", 1, Valid)
	base.CreateGroup("g").SetOffset("a", 1, Valid)

	over := NewGroup("")
	over.SetAddress("x", 200, Valid)
	over.CreateAddress("y")
	over.SetAddress("z", 0, Invalid)
	over.CreateGroup("g").SetOffset("b", 2, Valid)

	base.Merge(over)

	if v, _ := base.Address("x"); v != 200 {
		t.Errorf("override lost: x=%d", v)
	}
	if v, _ := base.Address("y"); v != 1 {
		t.Errorf("declaration clobbered value: y=%d", v)
	}
	if _, err := base.Address("z"); !IsInvalid(err) {
		t.Errorf("z: got %v, want invalid", err)
	}
	g, _ := base.Subgroup("g")
	if _, ok := g.SafeOffset("a"); !ok {
		t.Errorf("merge dropped g.a")
	}
	if v, _ := g.Offset("b"); v != 2 {
		t.Errorf("merge missed g.b")
	}
}

func TestPrintOffsetsIsStable(t *testing.T) {
	build := func() *Group {
		g := NewGroup("")
		g.SetAddress("zeta", 0x10, Valid)
		g.SetAddress("alpha", 0x20, Valid)
		g.SetOffset("neg", -8, Valid)
		g.SetString("name", "dwarf", Valid)
		g.SetHexValue("absent", 0, Invalid)
		g.CreateGroup("creatures").SetOffset("name", 4, Valid)
		return g
	}

	a := build().PrintOffsets(0)
	b := build().Clone().PrintOffsets(0)
	if a != b {
		t.Errorf("dump differs between copies:\n%s\n---\n%s", a, b)
	}

	lines := strings.Split(strings.TrimSpace(a), "\n")
	if !strings.Contains(lines[0], "neg") || !strings.Contains(lines[0], "-0x8") {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if strings.Index(a, "zeta") > strings.Index(a, "alpha") {
		t.Errorf("insertion order not kept")
	}
	if !strings.Contains(a, "<invalid>") {
		t.Errorf("invalid entry not marked")
	}
	if !strings.Contains(a, "group creatures\n  offset") {
		t.Errorf("child not indented:\n%s", a)
	}
}
