package mse

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelHost is a durable Host backend over LevelDB, for hosts that prefer
// an LSM store to Bolt's B+tree. Each invocation maps to one LevelDB
// transaction.
type LevelHost struct {
	ldb *leveldb.DB
	opt HostOpts
}

func OpenLevelHost(path string, opt HostOpts) (*LevelHost, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}
	opt.logf("mse: opened leveldb state store at %s", path)
	return &LevelHost{ldb: ldb, opt: opt}, nil
}

func (h *LevelHost) Close() error {
	return h.ldb.Close()
}

// Begin starts an invocation with the given fuel budget.
func (h *LevelHost) Begin(fuel uint64) (TxHost, error) {
	tr, err := h.ldb.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}
	return &levelInv{
		tr:   tr,
		tank: fuelTank{remaining: fuel},
	}, nil
}

type levelInv struct {
	tr   *leveldb.Transaction
	tank fuelTank
}

func (inv *levelInv) StateGet(addr Address) ([]byte, bool) {
	v, err := inv.tr.Get(addr[:], nil)
	if err == leveldb.ErrNotFound {
		return nil, false
	}
	ensure(err)
	return v, true
}

func (inv *levelInv) StateSet(addr Address, value []byte) {
	ensure(inv.tr.Put(addr[:], value, nil))
}

func (inv *levelInv) StateRemove(addr Address) {
	ensure(inv.tr.Delete(addr[:], nil))
}

func (inv *levelInv) ConsumeFuel(n uint64) error {
	return inv.tank.ConsumeFuel(n)
}

func (inv *levelInv) RemainingFuel() uint64 {
	return inv.tank.remaining
}

func (inv *levelInv) Commit() error {
	return inv.tr.Commit()
}

func (inv *levelInv) Abort() {
	inv.tr.Discard()
}
