package mse

import "fmt"

// StoreOp classifies raw store calls for cost purposes.
type StoreOp int

const (
	OpRead StoreOp = iota
	OpWrite
	OpRemove
)

// CostModel maps raw store calls to fuel, mirroring the host's metering:
// a base charge per call plus a charge per byte touched.
type CostModel struct {
	ReadBase     uint64
	ReadPerByte  uint64
	WriteBase    uint64
	WritePerByte uint64
	RemoveBase   uint64
}

func DefaultCostModel() CostModel {
	return CostModel{
		ReadBase:     32,
		ReadPerByte:  1,
		WriteBase:    64,
		WritePerByte: 4,
		RemoveBase:   32,
	}
}

// Cost returns the fuel charge for an operation touching size bytes.
func (c CostModel) Cost(op StoreOp, size int) uint64 {
	switch op {
	case OpRead:
		return c.ReadBase + c.ReadPerByte*uint64(size)
	case OpWrite:
		return c.WriteBase + c.WritePerByte*uint64(size)
	case OpRemove:
		return c.RemoveBase
	default:
		panic(fmt.Errorf("unknown store op %d", op))
	}
}

// store is the raw store accessor: the single path between the engine and
// the host's state primitive. Every call charges fuel before touching the
// host; a call that cannot be afforded has no effect at all.
type store struct {
	host         Host
	cost         CostModel
	maxValueSize int
}

func (s *store) canAfford(op StoreOp, size int) bool {
	return s.cost.Cost(op, size) <= s.host.RemainingFuel()
}

func (s *store) get(addr Address) ([]byte, bool, error) {
	if err := s.host.ConsumeFuel(s.cost.ReadBase); err != nil {
		return nil, false, err
	}
	data, ok := s.host.StateGet(addr)
	if !ok {
		return nil, false, nil
	}
	if err := s.host.ConsumeFuel(s.cost.ReadPerByte * uint64(len(data))); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// has answers "entry exists" for the base charge only; the value is never
// sized or decoded.
func (s *store) has(addr Address) (bool, error) {
	if err := s.host.ConsumeFuel(s.cost.ReadBase); err != nil {
		return false, err
	}
	_, ok := s.host.StateGet(addr)
	return ok, nil
}

// set stores value at addr. A zero-length value is equivalent to remove:
// after it, the entry does not exist.
func (s *store) set(addr Address, value []byte) error {
	if len(value) == 0 {
		return s.remove(addr)
	}
	if len(value) > s.maxValueSize {
		return fmt.Errorf("%d bytes at %s: %w", len(value), addr, ErrValueTooLarge)
	}
	if err := s.host.ConsumeFuel(s.cost.Cost(OpWrite, len(value))); err != nil {
		return err
	}
	s.host.StateSet(addr, value)
	return nil
}

// remove deletes the entry at addr, freeing any host-side deposit tied to
// it. Removing an absent entry is a no-op (still charged).
func (s *store) remove(addr Address) error {
	if err := s.host.ConsumeFuel(s.cost.RemoveBase); err != nil {
		return err
	}
	s.host.StateRemove(addr)
	return nil
}
