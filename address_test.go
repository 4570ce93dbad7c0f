package mse

import (
	"fmt"
	"testing"
)

func TestAddressDistinct(t *testing.T) {
	seen := make(map[Address]string)
	add := func(label string, a Address) {
		if prev, ok := seen[a]; ok {
			t.Fatalf("%s and %s derive the same address %s", label, prev, a)
		}
		seen[a] = label
	}

	for i := uint32(1); i <= 4; i++ {
		add(fmt.Sprintf("field(%d)", i), fieldAddress(i))
		add(fmt.Sprintf("migration(%d)", i), metaAddress(i, subMigration))
	}
	add("router", routerAddr)
	add("history-count", historyCountAddr)
	for i := uint64(0); i < 4; i++ {
		add(fmt.Sprintf("history(%d)", i), historyAddr(i))
	}
	for fi := uint32(1); fi <= 2; fi++ {
		base := fieldAddress(fi)
		for _, key := range [][]byte{{0}, {1}, {0, 0}, []byte("abc")} {
			e := entryAddress(base, key)
			add(fmt.Sprintf("entry(%d,%x)", fi, key), e)
			add(fmt.Sprintf("snapshot(%d,%x)", fi, key), snapshotAddress(e))
		}
	}
}

func TestAddressDeterministic(t *testing.T) {
	base := fieldAddress(3)
	a := entryAddress(base, []byte("key"))
	b := entryAddress(base, []byte("key"))
	if a != b {
		t.Fatalf("entryAddress not deterministic: %s vs %s", a, b)
	}
	if a == entryAddress(fieldAddress(4), []byte("key")) {
		t.Fatalf("same key under different bases derives the same address")
	}
	if snapshotAddress(a) != snapshotAddress(a) {
		t.Fatalf("snapshotAddress not deterministic")
	}
}

func TestEntryAddressEmptyKey(t *testing.T) {
	base := fieldAddress(1)
	if got := entryAddress(base, nil); got != base {
		t.Fatalf("entryAddress(base, nil) = %s, wanted %s", got, base)
	}
}

func TestAddressNamespaceTags(t *testing.T) {
	base := fieldAddress(1)
	if base[0] != nsField {
		t.Fatalf("field address tag = %#x, wanted %#x", base[0], nsField)
	}
	e := entryAddress(base, []byte("k"))
	if e[0] != nsEntry {
		t.Fatalf("entry address tag = %#x, wanted %#x", e[0], nsEntry)
	}
	s := snapshotAddress(e)
	if s[0] != nsSnapshot {
		t.Fatalf("snapshot address tag = %#x, wanted %#x", s[0], nsSnapshot)
	}
	if routerAddr[0] != nsMeta {
		t.Fatalf("router address tag = %#x, wanted %#x", routerAddr[0], nsMeta)
	}
}

func TestAddressReservedRoot(t *testing.T) {
	mustPanic(t, func() { fieldAddress(0) })
	mustPanic(t, func() { metaAddress(0, 0) })
	mustPanic(t, func() { entryAddress(rootAddress, []byte("x")) })
	mustPanic(t, func() { snapshotAddress(rootAddress) })
}
