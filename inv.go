package mse

import (
	"fmt"
	"runtime/debug"
)

// Engine binds a schema to the invocation machinery. One Engine serves any
// number of sequential invocations against any Host.
type Engine struct {
	schema *Schema
}

func New(schema *Schema) *Engine {
	return &Engine{schema: schema}
}

func (e *Engine) Schema() *Schema {
	return e.schema
}

// Inv is one invocation: a single external call running to completion
// against one host. Execution is single-threaded and non-reentrant; an Inv
// must not outlive its Run call.
type Inv struct {
	engine *Engine
	st     store
	env    Env

	cells   map[Address]cellFlusher
	order   []Address
	migr    map[uint32]*migrationDoc
	migrSet map[uint32]bool
}

type cellFlusher interface {
	flush() error
}

// Run executes one invocation. If f returns nil, every dirty cell is
// flushed (exactly one host write per dirty cell) before Run returns nil.
// On error or panic nothing is flushed and the error is returned verbatim;
// the host is expected to discard whatever the invocation wrote.
//
// Run does not commit or abort durable hosts itself: the begin/commit/
// abort framing belongs to the host side of the boundary.
func (e *Engine) Run(host Host, env Env, f func(inv *Inv) error) error {
	inv := &Inv{
		engine: e,
		st: store{
			host:         host,
			cost:         e.schema.opts.Cost,
			maxValueSize: e.schema.opts.MaxValueSize,
		},
		env:   env,
		cells: make(map[Address]cellFlusher),
	}
	err := safelyCall(f, inv)
	if err == nil {
		err = inv.flush()
	}
	return err
}

// RunTx is Run plus the host-side framing for a TxHost: commit on success,
// abort on failure.
func (e *Engine) RunTx(host TxHost, env Env, f func(inv *Inv) error) error {
	err := e.Run(host, env, f)
	if err != nil {
		host.Abort()
		return err
	}
	return host.Commit()
}

func (inv *Inv) flush() error {
	for _, addr := range inv.order {
		if err := inv.cells[addr].flush(); err != nil {
			return err
		}
	}
	return nil
}

func (inv *Inv) Caller() Identity {
	return inv.env.Caller
}

func (inv *Inv) Now() uint64 {
	return inv.env.Now
}

func (inv *Inv) RemainingFuel() uint64 {
	return inv.st.host.RemainingFuel()
}

// CanAfford reports whether the remaining fuel covers one raw store call
// touching size bytes; callers use it to fail predictably before large
// operations instead of dying part-way.
func (inv *Inv) CanAfford(op StoreOp, size int) bool {
	return inv.st.canAfford(op, size)
}

// FuelCost exposes the accessor's cost attribution for one raw store call.
func (inv *Inv) FuelCost(op StoreOp, size int) uint64 {
	return inv.st.cost.Cost(op, size)
}

// abort unwinds the invocation with err. Cell and map operations use it
// for fuel and decode failures, which are invocation-fatal in a metered
// runtime; Run recovers the error and returns it unchanged.
func (inv *Inv) abort(err error) {
	panic(invAbort{err})
}

func (inv *Inv) checkSchema(scm *Schema, name string) {
	if scm != inv.engine.schema {
		panic(fmt.Errorf("field %q belongs to a different schema", name))
	}
}

type invAbort struct {
	err error
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(f func(inv *Inv) error, inv *Inv) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if a, ok := p.(invAbort); ok {
				err = a.err
			} else {
				err = panicked{p, string(debug.Stack())}
			}
		}
	}()
	return f(inv)
}
