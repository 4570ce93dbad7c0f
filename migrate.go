package mse

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// MigrationPhase is the controller's externally visible state.
type MigrationPhase int

const (
	MigrationNotRequired MigrationPhase = iota
	MigrationRequired
	MigrationInProgress
	MigrationCompleted
	MigrationFailed
)

func (p MigrationPhase) String() string {
	switch p {
	case MigrationNotRequired:
		return "not-required"
	case MigrationRequired:
		return "required"
	case MigrationInProgress:
		return "in-progress"
	case MigrationCompleted:
		return "completed"
	case MigrationFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Persisted phase markers inside the meta document. "Settled" covers both
// a fresh document and one whose version simply lags the declaration.
const (
	phaseSettled    = 0
	phaseInProgress = 1
	phaseFailed     = 2
	phaseCompleted  = 3
)

// migrationDoc is the per-map meta document, stored msgpack-encoded at the
// map's migration meta address.
type migrationDoc struct {
	Version  uint64          `msgpack:"v"`
	Target   uint64          `msgpack:"t,omitempty"`
	Phase    int             `msgpack:"p,omitempty"`
	Migrated int             `msgpack:"n,omitempty"`
	Snapshot []snapshotEntry `msgpack:"s,omitempty"`
}

// snapshotEntry records one live entry captured in the recovery snapshot.
type snapshotEntry struct {
	Addr    []byte `msgpack:"a"`
	Sum     uint64 `msgpack:"c,omitempty"`
	Present bool   `msgpack:"e"`
	Done    bool   `msgpack:"d"`
}

func docPhase(doc *migrationDoc, declared uint64) MigrationPhase {
	if doc == nil {
		return MigrationNotRequired
	}
	switch doc.Phase {
	case phaseInProgress:
		return MigrationInProgress
	case phaseFailed:
		return MigrationFailed
	}
	if doc.Version < declared {
		return MigrationRequired
	}
	if doc.Phase == phaseCompleted && doc.Version == declared {
		return MigrationCompleted
	}
	return MigrationNotRequired
}

func (inv *Inv) migrationDoc(index uint32) *migrationDoc {
	if inv.migrSet[index] {
		return inv.migr[index]
	}
	addr := metaAddress(index, subMigration)
	data, ok, err := inv.st.get(addr)
	if err != nil {
		inv.abort(err)
	}
	var doc *migrationDoc
	if ok {
		doc = new(migrationDoc)
		if err := msgpack.Unmarshal(data, doc); err != nil {
			inv.abort(dataErrf(data, 0, err, "failed to decode migration state at %s", addr))
		}
	}
	if inv.migr == nil {
		inv.migr = make(map[uint32]*migrationDoc)
		inv.migrSet = make(map[uint32]bool)
	}
	inv.migr[index] = doc
	inv.migrSet[index] = true
	return doc
}

func (inv *Inv) saveMigrationDoc(index uint32, doc *migrationDoc) {
	data := must(msgpack.Marshal(doc))
	if err := inv.st.set(metaAddress(index, subMigration), data); err != nil {
		inv.abort(err)
	}
	if inv.migr == nil {
		inv.migr = make(map[uint32]*migrationDoc)
		inv.migrSet = make(map[uint32]bool)
	}
	inv.migr[index] = doc
	inv.migrSet[index] = true
}

// Migrator drives batched re-encoding of a versioned map's entries from an
// old shape to the declared one, across as many invocations as the fuel
// budget demands. The set of affected keys is supplied by the caller:
// enumerating the host address space is outside the engine's scope, so a
// program wanting full-dataset migration maintains its own key index.
//
// Between Start and Complete the map stays readable but refuses writes.
// Start captures a checksummed recovery snapshot of every affected entry;
// Rollback restores it after a failed migration.
type Migrator[K, V any] struct {
	inv *Inv
	m   *Map[K, V]
}

func NewMigrator[K, V any](inv *Inv, m *Map[K, V]) *Migrator[K, V] {
	inv.checkSchema(m.scm, m.name)
	if m.shapeVer == 0 {
		panic(fmt.Errorf("map %q is unversioned and cannot be migrated", m.name))
	}
	return &Migrator[K, V]{inv: inv, m: m}
}

func (mg *Migrator[K, V]) Phase() MigrationPhase {
	return docPhase(mg.inv.migrationDoc(mg.m.index), mg.m.shapeVer)
}

// Progress returns migrated and total entry counts; zeros outside an
// active migration.
func (mg *Migrator[K, V]) Progress() (done, total int) {
	doc := mg.inv.migrationDoc(mg.m.index)
	if doc == nil {
		return 0, 0
	}
	return doc.Migrated, len(doc.Snapshot)
}

// Start captures the recovery snapshot for the given keys and enters
// InProgress. Valid only from Required.
func (mg *Migrator[K, V]) Start(keys []K) error {
	doc := mg.inv.migrationDoc(mg.m.index)
	if err := mg.requirePhase(doc, MigrationRequired); err != nil {
		return err
	}
	doc.Snapshot = doc.Snapshot[:0]
	doc.Migrated = 0
	for _, key := range keys {
		addr := mg.m.entryAddr(key)
		raw, ok, err := mg.inv.st.get(addr)
		if err != nil {
			return err
		}
		rec := snapshotEntry{Addr: addr[:], Present: ok}
		if ok {
			if !mg.inv.st.canAfford(OpWrite, len(raw)) {
				return fmt.Errorf("snapshot of %s: %w", addr, ErrFuelExhausted)
			}
			if err := mg.inv.st.set(snapshotAddress(addr), raw); err != nil {
				return err
			}
			rec.Sum = xxhash.Sum64(raw)
		}
		doc.Snapshot = append(doc.Snapshot, rec)
	}
	doc.Target = mg.m.shapeVer
	doc.Phase = phaseInProgress
	mg.inv.saveMigrationDoc(mg.m.index, doc)
	return nil
}

// MigrateBatch re-encodes the given keys' entries through transform, which
// receives the old-shape bytes and returns the new-shape bytes. Safe to
// call repeatedly (already-migrated keys are skipped) and safe to
// interrupt between calls: progress is persisted per batch, and a batch
// that dies mid-way vanishes with its invocation, leaving every entry
// either fully old-shape or fully new-shape.
//
// A decode-class failure from transform is unrecoverable: the controller
// records Failed and the map refuses writes until Rollback.
func (mg *Migrator[K, V]) MigrateBatch(keys []K, transform func(old []byte) ([]byte, error)) error {
	doc := mg.inv.migrationDoc(mg.m.index)
	if err := mg.requirePhase(doc, MigrationInProgress); err != nil {
		return err
	}
	byAddr := make(map[Address]*snapshotEntry, len(doc.Snapshot))
	for i := range doc.Snapshot {
		var a Address
		copy(a[:], doc.Snapshot[i].Addr)
		byAddr[a] = &doc.Snapshot[i]
	}
	for _, key := range keys {
		addr := mg.m.entryAddr(key)
		rec := byAddr[addr]
		if rec == nil {
			return fmt.Errorf("%s: key %x is not part of the migration set", mg.m.name, addr)
		}
		if rec.Done {
			continue
		}
		if !rec.Present {
			rec.Done = true
			doc.Migrated++
			continue
		}
		old, ok, err := mg.inv.st.get(addr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: entry %s vanished during migration", mg.m.name, addr)
		}
		replacement, err := transform(old)
		if err != nil {
			if errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed) {
				doc.Phase = phaseFailed
				mg.inv.saveMigrationDoc(mg.m.index, doc)
			}
			return err
		}
		if !mg.inv.st.canAfford(OpWrite, len(replacement)) {
			return fmt.Errorf("rewrite of %s: %w", addr, ErrFuelExhausted)
		}
		if err := mg.inv.st.set(addr, replacement); err != nil {
			return err
		}
		rec.Done = true
		doc.Migrated++
	}
	mg.inv.saveMigrationDoc(mg.m.index, doc)
	return nil
}

// Complete finishes the migration once every snapshotted entry is done:
// the persisted version catches up with the declaration and the snapshot
// is released.
func (mg *Migrator[K, V]) Complete() error {
	doc := mg.inv.migrationDoc(mg.m.index)
	if err := mg.requirePhase(doc, MigrationInProgress); err != nil {
		return err
	}
	for i := range doc.Snapshot {
		if !doc.Snapshot[i].Done {
			return fmt.Errorf("%s: %d of %d entries not migrated yet", mg.m.name, len(doc.Snapshot)-doc.Migrated, len(doc.Snapshot))
		}
	}
	for i := range doc.Snapshot {
		if doc.Snapshot[i].Present {
			var a Address
			copy(a[:], doc.Snapshot[i].Addr)
			if err := mg.inv.st.remove(snapshotAddress(a)); err != nil {
				return err
			}
		}
	}
	mg.inv.saveMigrationDoc(mg.m.index, &migrationDoc{
		Version: doc.Target,
		Phase:   phaseCompleted,
	})
	return nil
}

// Rollback restores every affected entry from the recovery snapshot,
// verifying checksums first, and settles back at the old version. Valid
// from Failed (operator recovery) and from InProgress (operator abandon).
// The map's write gate then reflects whatever the code still declares: an
// operator who also rolls the implementation back to the old shape ends up
// at NotRequired.
func (mg *Migrator[K, V]) Rollback() error {
	doc := mg.inv.migrationDoc(mg.m.index)
	switch docPhase(doc, mg.m.shapeVer) {
	case MigrationFailed, MigrationInProgress:
	default:
		return fmt.Errorf("%s: rollback: %w", mg.m.name, ErrMigrationNotRequired)
	}
	for i := range doc.Snapshot {
		rec := &doc.Snapshot[i]
		var a Address
		copy(a[:], rec.Addr)
		if !rec.Present {
			if err := mg.inv.st.remove(a); err != nil {
				return err
			}
			continue
		}
		snap := snapshotAddress(a)
		raw, ok, err := mg.inv.st.get(snap)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: recovery snapshot for %s is missing", mg.m.name, a)
		}
		if xxhash.Sum64(raw) != rec.Sum {
			return dataErrf(raw, 0, ErrMalformed, "%s: recovery snapshot for %s fails checksum", mg.m.name, a)
		}
		if err := mg.inv.st.set(a, raw); err != nil {
			return err
		}
		if err := mg.inv.st.remove(snap); err != nil {
			return err
		}
	}
	mg.inv.saveMigrationDoc(mg.m.index, &migrationDoc{Version: doc.Version})
	return nil
}

func (mg *Migrator[K, V]) requirePhase(doc *migrationDoc, want MigrationPhase) error {
	phase := docPhase(doc, mg.m.shapeVer)
	if phase == want {
		return nil
	}
	var err error
	switch phase {
	case MigrationFailed:
		err = ErrMigrationFailed
	case MigrationInProgress:
		err = ErrMigrationInProgress
	case MigrationRequired:
		err = ErrMigrationRequired
	default:
		err = ErrMigrationNotRequired
	}
	return fmt.Errorf("%s: in phase %v: %w", mg.m.name, phase, err)
}
