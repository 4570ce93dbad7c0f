package mse

import (
	"bytes"
	"errors"
	"testing"
)

type priceV1 struct {
	Cents uint32
}

type priceV2 struct {
	Cents    uint64
	Currency string
}

// migFixture models a code upgrade: the same declared field at shape
// version 1 (the deployed code) and at shape version 2 (the new code),
// sharing one host.
type migFixture struct {
	h    *MemHost
	eng1 *Engine
	eng2 *Engine
	v1   *Map[uint16, priceV1]
	v2   *Map[uint16, priceV2]
	keys []uint16
	env  Env
}

func setupMigration(t *testing.T) *migFixture {
	t.Helper()
	scm1 := NewSchema(SchemaOpts{Cost: testCost()})
	scm2 := NewSchema(SchemaOpts{Cost: testCost()})
	fx := &migFixture{
		h:    NewMemHost(),
		eng1: New(scm1),
		eng2: New(scm2),
		v1:   AddMap[uint16, priceV1](scm1, "prices", MapOpts{ShapeVersion: 1}),
		v2:   AddMap[uint16, priceV2](scm2, "prices", MapOpts{ShapeVersion: 2}),
		keys: []uint16{1, 2, 3, 4, 5},
		env:  Env{Caller: ident(1), Now: 50},
	}
	runOK(t, fx.eng1, fx.h, fx.env, func(inv *Inv) error {
		for _, k := range fx.keys {
			fx.v1.Put(inv, k, priceV1{Cents: uint32(k) * 100})
		}
		return nil
	})
	return fx
}

func (fx *migFixture) transform(t *testing.T) func(old []byte) ([]byte, error) {
	return func(old []byte) ([]byte, error) {
		var p1 priceV1
		if err := decodeValue(&p1, old); err != nil {
			return nil, err
		}
		p2 := priceV2{Cents: uint64(p1.Cents), Currency: "USD"}
		return encodeValue(t, &p2), nil
	}
}

func (fx *migFixture) rawEntries() map[uint16][]byte {
	raw := make(map[uint16][]byte)
	for _, k := range fx.keys {
		if data, ok := fx.h.StateGet(fx.v1.entryAddr(k)); ok {
			raw[k] = data
		}
	}
	return raw
}

func (fx *migFixture) snapshotCount() int {
	n := 0
	for a := range fx.h.entries {
		if a[0] == nsSnapshot {
			n++
		}
	}
	return n
}

func (fx *migFixture) phase(t *testing.T) MigrationPhase {
	t.Helper()
	var p MigrationPhase
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		p = NewMigrator(inv, fx.v2).Phase()
		return nil
	})
	return p
}

func TestMigrationLifecycle(t *testing.T) {
	fx := setupMigration(t)
	if p := fx.phase(t); p != MigrationRequired {
		t.Fatalf("initial phase = %v, wanted required", p)
	}

	// The stale declaration refuses writes but the dataset stays readable.
	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		fx.v2.Put(inv, 9, priceV2{Cents: 1})
		return nil
	})
	if !errors.Is(err, ErrMigrationRequired) {
		t.Fatalf("stale Put = %v, wanted ErrMigrationRequired", err)
	}
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		if !fx.v2.Contains(inv, 1) {
			t.Fatalf("Contains = false during required phase")
		}
		return nil
	})

	// Include a key that has no stored entry.
	all := append(append([]uint16(nil), fx.keys...), 999)
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(all)
	})
	if p := fx.phase(t); p != MigrationInProgress {
		t.Fatalf("phase after Start = %v, wanted in-progress", p)
	}
	err = fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		fx.v2.Put(inv, 9, priceV2{Cents: 1})
		return nil
	})
	if !errors.Is(err, ErrMigrationInProgress) {
		t.Fatalf("mid-migration Put = %v, wanted ErrMigrationInProgress", err)
	}

	// First batch in one invocation, the rest in another; re-running over
	// already-migrated keys must be a no-op.
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		mg := NewMigrator(inv, fx.v2)
		if err := mg.MigrateBatch(all[:2], fx.transform(t)); err != nil {
			return err
		}
		done, total := mg.Progress()
		if done != 2 || total != 6 {
			t.Fatalf("progress = %d/%d, wanted 2/6", done, total)
		}
		return nil
	})
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		mg := NewMigrator(inv, fx.v2)
		if err := mg.MigrateBatch(all, fx.transform(t)); err != nil {
			return err
		}
		done, total := mg.Progress()
		if done != 6 || total != 6 {
			t.Fatalf("progress = %d/%d, wanted 6/6", done, total)
		}
		return mg.Complete()
	})

	if p := fx.phase(t); p != MigrationCompleted {
		t.Fatalf("phase after Complete = %v, wanted completed", p)
	}
	if n := fx.snapshotCount(); n != 0 {
		t.Fatalf("%d snapshot entries survived Complete, wanted 0", n)
	}

	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		for _, k := range fx.keys {
			v, ok := fx.v2.Get(inv, k)
			if !ok {
				t.Fatalf("prices[%d] absent after migration", k)
			}
			want := priceV2{Cents: uint64(k) * 100, Currency: "USD"}
			if v != want {
				t.Fatalf("prices[%d] = %+v, wanted %+v", k, v, want)
			}
		}
		fx.v2.Put(inv, 9, priceV2{Cents: 1, Currency: "USD"})
		return nil
	})
}

func TestMigrationStartRequiresRequiredPhase(t *testing.T) {
	fx := setupMigration(t)
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys)
	})
	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys)
	})
	if !errors.Is(err, ErrMigrationInProgress) {
		t.Fatalf("second Start = %v, wanted ErrMigrationInProgress", err)
	}
}

func TestMigrationCompleteRefusesUnfinished(t *testing.T) {
	fx := setupMigration(t)
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys)
	})
	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Complete()
	})
	if err == nil {
		t.Fatalf("Complete with no entries migrated succeeded")
	}
}

func TestMigrationBatchRejectsUnknownKey(t *testing.T) {
	fx := setupMigration(t)
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys[:2])
	})
	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).MigrateBatch([]uint16{5}, fx.transform(t))
	})
	if err == nil {
		t.Fatalf("MigrateBatch with a key outside the migration set succeeded")
	}
}

func TestMigrationTransformFailureAndRollback(t *testing.T) {
	fx := setupMigration(t)
	// Corrupt one entry so its old-shape decode fails mid-batch.
	fx.h.StateSet(fx.v1.entryAddr(3), []byte{0xFF})
	orig := fx.rawEntries()

	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys)
	})
	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).MigrateBatch(fx.keys, fx.transform(t))
	})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("batch over corrupt entry = %v, wanted ErrTruncated", err)
	}
	if p := fx.phase(t); p != MigrationFailed {
		t.Fatalf("phase after decode failure = %v, wanted failed", p)
	}

	err = fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		fx.v2.Put(inv, 9, priceV2{Cents: 1})
		return nil
	})
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("Put after failure = %v, wanted ErrMigrationFailed", err)
	}

	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Rollback()
	})
	for k, want := range orig {
		got, ok := fx.h.StateGet(fx.v1.entryAddr(k))
		if !ok || !bytes.Equal(got, want) {
			t.Fatalf("entry %d after rollback = %s, wanted %s", k, hexstr(got), hexstr(want))
		}
	}
	if n := fx.snapshotCount(); n != 0 {
		t.Fatalf("%d snapshot entries survived Rollback, wanted 0", n)
	}
	if p := fx.phase(t); p != MigrationRequired {
		t.Fatalf("phase after rollback = %v, wanted required (declaration still newer)", p)
	}

	// Rolling the code back to the old shape settles the gate.
	runOK(t, fx.eng1, fx.h, fx.env, func(inv *Inv) error {
		fx.v1.Put(inv, 7, priceV1{Cents: 700})
		return nil
	})
}

func TestMigrationRollbackFromInProgress(t *testing.T) {
	fx := setupMigration(t)
	orig := fx.rawEntries()

	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		mg := NewMigrator(inv, fx.v2)
		if err := mg.Start(fx.keys); err != nil {
			return err
		}
		return mg.MigrateBatch(fx.keys[:2], fx.transform(t))
	})
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Rollback()
	})

	for k, want := range orig {
		got, _ := fx.h.StateGet(fx.v1.entryAddr(k))
		if !bytes.Equal(got, want) {
			t.Fatalf("entry %d after abandon = %s, wanted %s", k, hexstr(got), hexstr(want))
		}
	}
}

func TestMigrationRollbackVerifiesChecksum(t *testing.T) {
	fx := setupMigration(t)
	runOK(t, fx.eng2, fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Start(fx.keys)
	})
	fx.h.StateSet(snapshotAddress(fx.v1.entryAddr(1)), []byte{9, 9, 9, 9})

	err := fx.eng2.Run(fx.h, fx.env, func(inv *Inv) error {
		return NewMigrator(inv, fx.v2).Rollback()
	})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("rollback over tampered snapshot = %v, wanted ErrMalformed", err)
	}
}

func TestMigratorRejectsUnversionedMap(t *testing.T) {
	fx := setupLedger(t)
	runOK(t, fx.eng, fx.h, Env{}, func(inv *Inv) error {
		mustPanic(t, func() { NewMigrator(inv, fx.ledger) })
		return nil
	})
}
