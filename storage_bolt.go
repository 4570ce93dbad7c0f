package mse

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var stateBucket = []byte("state")

// BoltHost is a durable Host backend over Bolt. Each invocation maps to
// one writable Bolt transaction, so the host-side commit/abort framing
// falls out of Bolt's own atomicity.
type BoltHost struct {
	bdb *bbolt.DB
	opt HostOpts
}

func OpenBoltHost(path string, opt HostOpts) (*BoltHost, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}

	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("mse: %w", err)
	}

	opt.logf("mse: opened bolt state store at %s", path)
	return &BoltHost{bdb: bdb, opt: opt}, nil
}

func (h *BoltHost) Bolt() *bbolt.DB {
	return h.bdb
}

func (h *BoltHost) Close() error {
	return h.bdb.Close()
}

// Begin starts an invocation with the given fuel budget.
func (h *BoltHost) Begin(fuel uint64) (TxHost, error) {
	btx, err := h.bdb.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}
	return &boltInv{
		btx:    btx,
		bucket: btx.Bucket(stateBucket),
		tank:   fuelTank{remaining: fuel},
	}, nil
}

type boltInv struct {
	btx    *bbolt.Tx
	bucket *bbolt.Bucket
	tank   fuelTank
}

func (inv *boltInv) StateGet(addr Address) ([]byte, bool) {
	v := inv.bucket.Get(addr[:])
	if v == nil {
		return nil, false
	}
	// Bolt's slice is only valid while the transaction is open.
	return append([]byte(nil), v...), true
}

func (inv *boltInv) StateSet(addr Address, value []byte) {
	ensure(inv.bucket.Put(addr[:], value))
}

func (inv *boltInv) StateRemove(addr Address) {
	ensure(inv.bucket.Delete(addr[:]))
}

func (inv *boltInv) ConsumeFuel(n uint64) error {
	return inv.tank.ConsumeFuel(n)
}

func (inv *boltInv) RemainingFuel() uint64 {
	return inv.tank.remaining
}

func (inv *boltInv) Commit() error {
	return inv.btx.Commit()
}

func (inv *boltInv) Abort() {
	err := inv.btx.Rollback()
	if err != nil && err != bbolt.ErrTxClosed {
		panic(err)
	}
}
