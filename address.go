package mse

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// AddressSize is the fixed width of every storage address, in bytes.
const AddressSize = 32

// Address is the opaque fixed-width identifier the host's raw store
// understands. Layout for directly derived addresses: byte 0 is a namespace
// tag, bytes 1..4 a big-endian declaration index, byte 5 a subkind; keyed
// entry and snapshot addresses are BLAKE2b-256 outputs with byte 0 forced
// to their namespace tag.
type Address [AddressSize]byte

// Namespace tags. Distinct tags keep independently derived address families
// from aliasing each other within the host's single flat address space.
const (
	nsMeta     byte = 0x00
	nsField    byte = 0x01
	nsEntry    byte = 0x02
	nsSnapshot byte = 0x03
)

// Meta subkinds under nsMeta.
const (
	subMigration    byte = 0x01
	subRouter       byte = 0x02
	subHistoryCount byte = 0x03
	subHistory      byte = 0x04
)

const (
	entryDomain    = "mse/map/v1"
	snapshotDomain = "mse/snap/v1"
)

// rootAddress is reserved: no derivation may ever produce it.
var rootAddress Address

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == rootAddress
}

// fieldAddress returns the base address of the field with the given
// declaration index. Indices are assigned in declaration order starting
// at 1; index 0 would collide with the reserved root.
func fieldAddress(index uint32) Address {
	if index == 0 {
		panic("field index 0 is reserved for the root address")
	}
	var a Address
	a[0] = nsField
	binary.BigEndian.PutUint32(a[1:5], index)
	return a
}

// metaAddress returns an engine-owned meta slot. The (index=0, sub=0)
// combination is the reserved root and is never handed out.
func metaAddress(index uint32, sub byte) Address {
	if index == 0 && sub == 0 {
		panic("meta address (0, 0) is the reserved root")
	}
	var a Address
	a[0] = nsMeta
	binary.BigEndian.PutUint32(a[1:5], index)
	a[5] = sub
	return a
}

// entryAddress derives the address of one entry of a map-like field from
// the field's base address and the entry's encoded key. Zero-length key
// material addresses the base directly, so a scalar field and a keyed
// field with no extra key bytes are addressed identically.
func entryAddress(base Address, keyBytes []byte) Address {
	if base.IsZero() {
		panic("entryAddress: reserved root as base")
	}
	if len(keyBytes) == 0 {
		return base
	}
	return hashAddress(nsEntry, entryDomain, base, keyBytes)
}

// snapshotAddress derives the migration snapshot slot for a live entry
// address. A separate domain keeps snapshots from ever aliasing live data.
func snapshotAddress(src Address) Address {
	if src.IsZero() {
		panic("snapshotAddress: reserved root as source")
	}
	return hashAddress(nsSnapshot, snapshotDomain, src, nil)
}

func hashAddress(ns byte, domain string, base Address, extra []byte) Address {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("blake2b: %w", err))
	}
	h.Write([]byte(domain))
	h.Write(base[:])
	h.Write(extra)
	var a Address
	h.Sum(a[:0])
	a[0] = ns
	if a.IsZero() {
		// 248 zero bits out of a hash; a programming defect is the only
		// plausible explanation.
		panic("derived the reserved root address")
	}
	return a
}
