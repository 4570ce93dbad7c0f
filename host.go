package mse

import "encoding/hex"

// Identity identifies a caller or an implementation (a code handle) in the
// host environment.
type Identity [32]byte

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Env is the per-invocation context supplied by the host.
type Env struct {
	// Caller is the identity the host authenticated for this invocation.
	Caller Identity
	// Now is the host's logical timestamp (block time or height).
	Now uint64
}

// Host is the raw state and metering primitive the engine runs against.
// Addresses and values are opaque to the host. Side effects are visible to
// subsequent calls within the same invocation but are durable only once
// the host commits the invocation; an aborted invocation discards them
// wholesale.
//
// Backend failures (I/O errors on durable hosts) panic; the engine treats
// them like the host trapping the invocation.
type Host interface {
	StateGet(addr Address) ([]byte, bool)
	StateSet(addr Address, value []byte)
	StateRemove(addr Address)

	// ConsumeFuel charges n units against the remaining budget, or returns
	// ErrFuelExhausted and charges nothing.
	ConsumeFuel(n uint64) error
	RemainingFuel() uint64
}

// TxHost is a Host whose invocation framing the caller drives explicitly:
// Begin on the backend yields a TxHost, Commit makes the invocation's
// writes durable, Abort discards them.
type TxHost interface {
	Host
	Commit() error
	Abort()
}

// HostOpts configures durable host backends.
type HostOpts struct {
	Logf      func(format string, args ...any)
	IsTesting bool
	MmapSize  int
}

func (opt HostOpts) logf(format string, args ...any) {
	if opt.Logf != nil {
		opt.Logf(format, args...)
	}
}

// NoFuelLimit disables metering for a host; useful for deployment tooling
// and tests that assert behavior rather than cost.
const NoFuelLimit = ^uint64(0)

// fuelTank is the shared meter implementation for host backends.
type fuelTank struct {
	remaining uint64
	used      uint64
}

func (t *fuelTank) ConsumeFuel(n uint64) error {
	if n > t.remaining {
		return ErrFuelExhausted
	}
	t.remaining -= n
	t.used += n
	return nil
}

func (t *fuelTank) RemainingFuel() uint64 {
	return t.remaining
}
