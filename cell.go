package mse

import (
	"fmt"
	"reflect"
)

type cellState uint8

const (
	cellUnloaded cellState = iota
	cellAbsent
	cellLoaded
)

// Cell is a deferred handle to a single logical slot. The slot is not read
// until first access and is written back only if modified: an untouched
// cell costs zero host operations, a read-only cell exactly one read, a
// dirty cell one read plus one write at flush time. Cells are memoized per
// invocation, so repeated Cell() calls and repeated Get() calls share the
// single host fetch.
type Cell[T any] struct {
	inv   *Inv
	name  string
	addr  Address
	enc   *flatEncoding
	state cellState
	dirty bool
	value T
}

// Cell returns the invocation's cell for this field, creating it unloaded
// on first use.
func (v *Value[T]) Cell(inv *Inv) *Cell[T] {
	inv.checkSchema(v.scm, v.name)
	if c, ok := inv.cells[v.base]; ok {
		return c.(*Cell[T])
	}
	c := &Cell[T]{inv: inv, name: v.name, addr: v.base, enc: v.enc}
	inv.cells[v.base] = c
	inv.order = append(inv.order, v.base)
	return c
}

// CellAssumeAbsent returns the field's cell pre-marked absent, skipping
// the initial host fetch. For constructor paths where the caller knows no
// entry exists yet.
func (v *Value[T]) CellAssumeAbsent(inv *Inv) *Cell[T] {
	c := v.Cell(inv)
	if c.state == cellUnloaded {
		c.state = cellAbsent
	}
	return c
}

// Get returns the field's cell value via the invocation's cell.
func (v *Value[T]) Get(inv *Inv) (T, bool) {
	return v.Cell(inv).Get()
}

// Set overwrites the field's value via the invocation's cell.
func (v *Value[T]) Set(inv *Inv, val T) {
	v.Cell(inv).Set(val)
}

func (c *Cell[T]) load() {
	if c.state != cellUnloaded {
		return
	}
	data, ok, err := c.inv.st.get(c.addr)
	if err != nil {
		c.inv.abort(err)
	}
	if !ok {
		c.state = cellAbsent
		return
	}
	var val T
	if err := c.enc.decode(data, reflect.ValueOf(&val)); err != nil {
		c.inv.abort(fmt.Errorf("%s: %w", c.name, err))
	}
	c.value = val
	c.state = cellLoaded
}

func (c *Cell[T]) Get() (T, bool) {
	c.load()
	if c.state == cellLoaded {
		return c.value, true
	}
	var zero T
	return zero, false
}

func (c *Cell[T]) MustGet() T {
	v, ok := c.Get()
	if !ok {
		panic(fmt.Errorf("%s: value absent", c.name))
	}
	return v
}

// Set overwrites the slot. The first touch of an unloaded cell still
// performs the one host fetch (an existence probe, never a decode), so
// overwriting an undecodable entry works; use CellAssumeAbsent to skip it.
func (c *Cell[T]) Set(val T) {
	if c.state == cellUnloaded {
		if _, err := c.inv.st.has(c.addr); err != nil {
			c.inv.abort(err)
		}
	}
	c.value = val
	c.state = cellLoaded
	c.dirty = true
}

// Take removes and returns the current value, leaving the slot absent.
func (c *Cell[T]) Take() (T, bool) {
	c.load()
	if c.state != cellLoaded {
		var zero T
		return zero, false
	}
	v := c.value
	var zero T
	c.value = zero
	c.state = cellAbsent
	c.dirty = true
	return v, true
}

// Clear marks the slot absent without fetching it first.
func (c *Cell[T]) Clear() {
	var zero T
	c.value = zero
	c.state = cellAbsent
	c.dirty = true
}

// flush writes a dirty cell back to the host, once, at commit time.
func (c *Cell[T]) flush() error {
	if !c.dirty {
		return nil
	}
	var err error
	switch c.state {
	case cellLoaded:
		data := c.enc.encode(nil, reflect.ValueOf(&c.value).Elem())
		err = c.inv.st.set(c.addr, data)
	case cellAbsent:
		err = c.inv.st.remove(c.addr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.dirty = false
	return nil
}
