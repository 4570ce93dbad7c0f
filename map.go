package mse

import (
	"fmt"
	"reflect"
)

// Keyed store operations. Every operation costs one address derivation
// plus one raw store call, independent of how many keys the map holds;
// Take is the documented exception (a read plus a remove).

// entryAddr derives the host address of one key's entry. The key encoding
// is injective over the declared key shape, so distinct logical keys never
// collide before hashing.
func (m *Map[K, V]) entryAddr(key K) Address {
	keyBytes := m.keyEnc.encode(nil, reflect.ValueOf(&key).Elem())
	return entryAddress(m.base, keyBytes)
}

// Get returns the value stored under key, if any.
func (m *Map[K, V]) Get(inv *Inv, key K) (V, bool) {
	inv.checkSchema(m.scm, m.name)
	var zero V
	data, ok, err := inv.st.get(m.entryAddr(key))
	if err != nil {
		inv.abort(err)
	}
	if !ok {
		return zero, false
	}
	if m.valueEnc.isZeroSize() {
		// Zero-size shapes are stored as a presence marker; any live entry
		// decodes to the zero value.
		return zero, true
	}
	var val V
	if err := m.valueEnc.decode(data, reflect.ValueOf(&val)); err != nil {
		inv.abort(fmt.Errorf("%s: %w", m.name, err))
	}
	return val, true
}

// Put stores value under key, overwriting any prior entry.
func (m *Map[K, V]) Put(inv *Inv, key K, value V) {
	inv.checkSchema(m.scm, m.name)
	m.gateWrite(inv)
	data := m.valueEnc.encode(nil, reflect.ValueOf(&value).Elem())
	if len(data) == 0 {
		// A zero-size value shape still marks existence: the raw layer
		// treats an empty write as a removal, so store one marker byte
		// that Get and Contains ignore.
		data = []byte{1}
	}
	if err := inv.st.set(m.entryAddr(key), data); err != nil {
		inv.abort(fmt.Errorf("%s: %w", m.name, err))
	}
}

// Remove deletes the entry under key without reading it, freeing any
// host-side deposit tied to the entry. One store call.
func (m *Map[K, V]) Remove(inv *Inv, key K) {
	inv.checkSchema(m.scm, m.name)
	m.gateWrite(inv)
	if err := inv.st.remove(m.entryAddr(key)); err != nil {
		inv.abort(fmt.Errorf("%s: %w", m.name, err))
	}
}

// Take removes the entry under key and returns its prior value. Costs one
// read plus one remove; callers that do not need the prior value should
// use Remove.
func (m *Map[K, V]) Take(inv *Inv, key K) (V, bool) {
	v, ok := m.Get(inv, key)
	if ok {
		m.Remove(inv, key)
	}
	return v, ok
}

// Contains reports whether an entry exists under key. The stored value is
// never decoded; only the base read cost is charged.
func (m *Map[K, V]) Contains(inv *Inv, key K) bool {
	inv.checkSchema(m.scm, m.name)
	ok, err := inv.st.has(m.entryAddr(key))
	if err != nil {
		inv.abort(err)
	}
	return ok
}

// gateWrite refuses writes while the map's stored shape is behind the
// declared one or a migration is unfinished. Reads stay available so the
// dataset remains queryable mid-migration.
func (m *Map[K, V]) gateWrite(inv *Inv) {
	if m.shapeVer == 0 {
		return
	}
	doc := inv.migrationDoc(m.index)
	switch docPhase(doc, m.shapeVer) {
	case MigrationFailed:
		inv.abort(fmt.Errorf("%s: %w", m.name, ErrMigrationFailed))
	case MigrationInProgress:
		inv.abort(fmt.Errorf("%s: %w", m.name, ErrMigrationInProgress))
	case MigrationRequired:
		inv.abort(fmt.Errorf("%s: %w", m.name, ErrMigrationRequired))
	}
	if doc == nil {
		// First gated write to a fresh map: record that entries are being
		// written at the declared shape version.
		inv.saveMigrationDoc(m.index, &migrationDoc{Version: m.shapeVer})
	}
}
