/*
Package mse implements a metered persistent state engine for programs that
run inside a deterministic, fee-metered runtime (a blockchain virtual
machine or similar host), where every byte read or written is charged and
state must survive across independent invocations.

We implement:

1. Deterministic address derivation, turning a declared field (plus optional
key material for map-like fields) into a fixed-width opaque storage address.

2. A compact flat encoding for declared value shapes: natural fixed widths
for numbers, one byte for booleans, length-prefixed variable data,
self-delimiting throughout.

3. A metered raw store accessor over the host's get/set/remove primitives,
charging a base plus per-byte fuel cost per call.

4. Deferred cells: single-slot handles that read the host lazily (at most
once per invocation) and write back only if modified, so a program pays for
what it touches, not for its declared shape.

5. Keyed stores: key→value collections with O(1) per-key cost regardless of
how many keys were ever inserted.

6. A migration controller that re-encodes stored entries in resumable
batches when a map's declared shape version changes, guarded by a recovery
snapshot.

7. Upgrade indirection: a persisted implementation pointer with a
minimum-delay upgrade policy, an emergency override, and an append-only
upgrade history.

# Technical Details

**Addresses.**
Addresses are 32 bytes: a one-byte namespace tag, a big-endian declaration
index and a subkind byte; keyed entries use a domain-separated BLAKE2b-256
hash of the base address and the encoded key. The all-zero address is
reserved and never derived.

**Invocations.**
One external call runs to completion against a Host. The host owns atomic
commit/rollback of the whole invocation; the engine guarantees that dirty
cells flush exactly once on success and that an aborted invocation flushes
nothing.

**Metering.**
Every accessor call charges the host's fuel meter before touching state.
Costs are configurable per schema and exposed so callers can pre-check
affordability of large operations, such as a migration batch.
*/
package mse
