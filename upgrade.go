package mse

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Upgrade indirection: external invocations are routed to whatever
// implementation identity the persisted pointer currently designates.
// "Upgrading" redirects future calls and never mutates loaded code; the
// pointer is the single mutable piece of state, and every change to it
// appends an immutable record to the history.

// RouterInfo is the persisted implementation pointer.
type RouterInfo struct {
	Impl        Identity
	Version     uint64
	Admin       Identity
	LastUpgrade uint64
	Emergency   bool
}

// UpgradeRecord is one immutable entry of the append-only history.
type UpgradeRecord struct {
	From      Identity
	To        Identity
	Timestamp uint64
	Version   uint64
}

var routerInfoEnc = flatEncodingOf(reflect.TypeOf(RouterInfo{}))
var upgradeRecordEnc = flatEncodingOf(reflect.TypeOf(UpgradeRecord{}))

var routerAddr = metaAddress(0, subRouter)
var historyCountAddr = metaAddress(0, subHistoryCount)

type RouterOpts struct {
	// UpgradeDelay is the minimum logical time between ordinary upgrades.
	UpgradeDelay uint64
}

// Router reads and mutates the implementation pointer within one
// invocation. Authorization compares the invocation's caller against the
// persisted admin identity.
type Router struct {
	inv   *Inv
	delay uint64
}

func NewRouter(inv *Inv, opt RouterOpts) *Router {
	return &Router{inv: inv, delay: opt.UpgradeDelay}
}

// Init creates the pointer at deployment time. The deployment itself is
// recorded as the first history entry.
func (r *Router) Init(admin, impl Identity, version uint64) error {
	ok, err := r.inv.st.has(routerAddr)
	if err != nil {
		return err
	}
	if ok {
		return ErrRouterInitialized
	}
	err = r.appendRecord(UpgradeRecord{To: impl, Timestamp: r.inv.Now(), Version: version})
	if err != nil {
		return err
	}
	return r.save(&RouterInfo{
		Impl:        impl,
		Version:     version,
		Admin:       admin,
		LastUpgrade: r.inv.Now(),
	})
}

// Info returns the current pointer state.
func (r *Router) Info() (RouterInfo, error) {
	st, err := r.load()
	if err != nil {
		return RouterInfo{}, err
	}
	return *st, nil
}

// Resolve returns the implementation identity current calls target.
func (r *Router) Resolve() (Identity, error) {
	st, err := r.load()
	if err != nil {
		return Identity{}, err
	}
	return st.Impl, nil
}

// Delegate forwards an invocation to the resolved implementation and
// propagates its outcome verbatim: a callee failure is never reshaped
// into a success.
func (r *Router) Delegate(call func(impl Identity) error) error {
	impl, err := r.Resolve()
	if err != nil {
		return err
	}
	return call(impl)
}

// ProposeUpgrade redirects future calls to newImpl. Requires the admin
// caller, a strictly newer version, and the configured delay since the
// last upgrade. Rejections leave no state change.
func (r *Router) ProposeUpgrade(newImpl Identity, newVersion uint64) error {
	st, err := r.load()
	if err != nil {
		return err
	}
	if r.inv.Caller() != st.Admin {
		return ErrUpgradeUnauthorized
	}
	if newVersion <= st.Version {
		return fmt.Errorf("version %d -> %d: %w", st.Version, newVersion, ErrUpgradeVersionNotNewer)
	}
	if r.inv.Now()-st.LastUpgrade < r.delay {
		return fmt.Errorf("%d of %d elapsed: %w", r.inv.Now()-st.LastUpgrade, r.delay, ErrUpgradeTooSoon)
	}
	err = r.appendRecord(UpgradeRecord{From: st.Impl, To: newImpl, Timestamp: r.inv.Now(), Version: newVersion})
	if err != nil {
		return err
	}
	st.Impl = newImpl
	st.Version = newVersion
	st.LastUpgrade = r.inv.Now()
	return r.save(st)
}

// EmergencyPause sets the emergency flag, unlocking EmergencyUpgrade.
func (r *Router) EmergencyPause() error {
	return r.setEmergency(true)
}

func (r *Router) EmergencyResume() error {
	return r.setEmergency(false)
}

func (r *Router) setEmergency(flag bool) error {
	st, err := r.load()
	if err != nil {
		return err
	}
	if r.inv.Caller() != st.Admin {
		return ErrUpgradeUnauthorized
	}
	if st.Emergency == flag {
		return nil
	}
	st.Emergency = flag
	return r.save(st)
}

// EmergencyUpgrade bypasses the delay and the version ordering: any
// version, including a downgrade, to recover from a defective upgrade.
// Only valid while the emergency flag is set.
func (r *Router) EmergencyUpgrade(newImpl Identity, newVersion uint64) error {
	st, err := r.load()
	if err != nil {
		return err
	}
	if r.inv.Caller() != st.Admin {
		return ErrUpgradeUnauthorized
	}
	if !st.Emergency {
		return ErrNotPaused
	}
	err = r.appendRecord(UpgradeRecord{From: st.Impl, To: newImpl, Timestamp: r.inv.Now(), Version: newVersion})
	if err != nil {
		return err
	}
	st.Impl = newImpl
	st.Version = newVersion
	st.LastUpgrade = r.inv.Now()
	return r.save(st)
}

// HistoryLen returns the number of appended upgrade records.
func (r *Router) HistoryLen() (uint64, error) {
	data, ok, err := r.inv.st.get(historyCountAddr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(data) != 8 {
		return 0, dataErrf(data, 0, ErrMalformed, "invalid history count")
	}
	return binary.BigEndian.Uint64(data), nil
}

// HistoryAt returns record i, 0-based in append order.
func (r *Router) HistoryAt(i uint64) (UpgradeRecord, error) {
	var rec UpgradeRecord
	n, err := r.HistoryLen()
	if err != nil {
		return rec, err
	}
	if i >= n {
		return rec, fmt.Errorf("history record %d of %d out of range", i, n)
	}
	data, ok, err := r.inv.st.get(historyAddr(i))
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, dataErrf(nil, 0, ErrMalformed, "history record %d missing", i)
	}
	if err := upgradeRecordEnc.decode(data, reflect.ValueOf(&rec)); err != nil {
		return rec, err
	}
	return rec, nil
}

func historyAddr(i uint64) Address {
	if i > math.MaxUint32 {
		panic("history index out of range")
	}
	return metaAddress(uint32(i), subHistory)
}

func (r *Router) appendRecord(rec UpgradeRecord) error {
	n, err := r.HistoryLen()
	if err != nil {
		return err
	}
	data := upgradeRecordEnc.encode(nil, reflect.ValueOf(&rec).Elem())
	if err := r.inv.st.set(historyAddr(n), data); err != nil {
		return err
	}
	return r.inv.st.set(historyCountAddr, appendUint64(nil, n+1))
}

func (r *Router) load() (*RouterInfo, error) {
	data, ok, err := r.inv.st.get(routerAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRouterNotInitialized
	}
	st := new(RouterInfo)
	if err := routerInfoEnc.decode(data, reflect.ValueOf(st)); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *Router) save(st *RouterInfo) error {
	data := routerInfoEnc.encode(nil, reflect.ValueOf(st).Elem())
	return r.inv.st.set(routerAddr, data)
}
