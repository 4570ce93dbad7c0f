package mse

// MemHost is a transient in-memory Host intended for tests and simulation.
// It counts every state call and every unit of fuel, so tests can assert
// cost in host operations rather than wall-clock, and it can checkpoint
// and revert its contents to model the host's invocation rollback.
type MemHost struct {
	entries map[Address][]byte
	tank    fuelTank

	Gets    int
	Sets    int
	Removes int

	saved     map[Address][]byte
	savedFuel fuelTank
}

func NewMemHost() *MemHost {
	return &MemHost{
		entries: make(map[Address][]byte),
		tank:    fuelTank{remaining: NoFuelLimit},
	}
}

// SetFuel resets the remaining budget, typically before each simulated
// invocation.
func (h *MemHost) SetFuel(n uint64) {
	h.tank.remaining = n
}

func (h *MemHost) FuelUsed() uint64 {
	return h.tank.used
}

func (h *MemHost) ResetCounters() {
	h.Gets, h.Sets, h.Removes = 0, 0, 0
	h.tank.used = 0
}

// Len returns the number of live entries.
func (h *MemHost) Len() int {
	return len(h.entries)
}

// Checkpoint snapshots the current contents. Revert restores the latest
// checkpoint, modeling the host discarding an aborted invocation.
func (h *MemHost) Checkpoint() {
	h.saved = make(map[Address][]byte, len(h.entries))
	for a, v := range h.entries {
		h.saved[a] = append([]byte(nil), v...)
	}
	h.savedFuel = h.tank
}

func (h *MemHost) Revert() {
	if h.saved == nil {
		panic("MemHost.Revert without Checkpoint")
	}
	h.entries = h.saved
	h.tank = h.savedFuel
	h.saved = nil
}

func (h *MemHost) StateGet(addr Address) ([]byte, bool) {
	h.Gets++
	v, ok := h.entries[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (h *MemHost) StateSet(addr Address, value []byte) {
	h.Sets++
	h.entries[addr] = append([]byte(nil), value...)
}

func (h *MemHost) StateRemove(addr Address) {
	h.Removes++
	delete(h.entries, addr)
}

func (h *MemHost) ConsumeFuel(n uint64) error {
	return h.tank.ConsumeFuel(n)
}

func (h *MemHost) RemainingFuel() uint64 {
	return h.tank.remaining
}
