package mse

import (
	"fmt"
	"reflect"
)

// DefaultMaxValueSize bounds encoded values unless SchemaOpts overrides it.
const DefaultMaxValueSize = 16 * 1024

// Schema is the set of persisted field declarations for one store. A store
// has a single logical owner: exactly one Schema may be used against a
// given host address space, which keeps declaration indices disjoint by
// construction.
type Schema struct {
	fields []fieldDecl
	byName map[string]fieldDecl
	opts   SchemaOpts
}

type SchemaOpts struct {
	// MaxValueSize rejects oversized encodings before any host write.
	// Zero means DefaultMaxValueSize.
	MaxValueSize int
	// Cost overrides the fuel cost model. Zero value means defaults.
	Cost CostModel
}

func NewSchema(opt SchemaOpts) *Schema {
	if opt.MaxValueSize == 0 {
		opt.MaxValueSize = DefaultMaxValueSize
	}
	if opt.Cost == (CostModel{}) {
		opt.Cost = DefaultCostModel()
	}
	return &Schema{
		byName: make(map[string]fieldDecl),
		opts:   opt,
	}
}

type fieldDecl interface {
	declName() string
	declIndex() uint32
}

func (scm *Schema) addDecl(name string, decl fieldDecl) uint32 {
	if name == "" {
		panic("empty field name")
	}
	if scm.byName[name] != nil {
		panic(fmt.Errorf("duplicate field %q", name))
	}
	scm.byName[name] = decl
	scm.fields = append(scm.fields, decl)
	return uint32(len(scm.fields))
}

// Value declares a single persisted field of type T, accessed through a
// deferred cell.
type Value[T any] struct {
	scm   *Schema
	name  string
	index uint32
	base  Address
	enc   *flatEncoding
}

func AddValue[T any](scm *Schema, name string) *Value[T] {
	v := &Value[T]{
		scm:  scm,
		name: name,
		enc:  flatEncodingOf(reflect.TypeOf((*T)(nil)).Elem()),
	}
	v.index = scm.addDecl(name, v)
	v.base = fieldAddress(v.index)
	return v
}

func (v *Value[T]) declName() string  { return v.name }
func (v *Value[T]) declIndex() uint32 { return v.index }
func (v *Value[T]) String() string    { return v.name }

// Map declares a keyed collection field: key type K, value type V, one
// host entry per key.
type Map[K, V any] struct {
	scm      *Schema
	name     string
	index    uint32
	base     Address
	keyEnc   *flatEncoding
	valueEnc *flatEncoding
	shapeVer uint64
}

type MapOpts struct {
	// ShapeVersion is the declared version of V's shape. Zero declares an
	// unversioned map that is never migrated. A versioned map (>= 1)
	// refuses writes once its persisted version falls behind, until a
	// Migrator brings the stored entries up to date.
	ShapeVersion uint64
}

func AddMap[K, V any](scm *Schema, name string, opt MapOpts) *Map[K, V] {
	m := &Map[K, V]{
		scm:      scm,
		name:     name,
		keyEnc:   flatEncodingOf(reflect.TypeOf((*K)(nil)).Elem()),
		valueEnc: flatEncodingOf(reflect.TypeOf((*V)(nil)).Elem()),
		shapeVer: opt.ShapeVersion,
	}
	m.index = scm.addDecl(name, m)
	m.base = fieldAddress(m.index)
	return m
}

func (m *Map[K, V]) declName() string  { return m.name }
func (m *Map[K, V]) declIndex() uint32 { return m.index }
func (m *Map[K, V]) String() string    { return m.name }

// ShapeVersion returns the declared shape version of the map's values.
func (m *Map[K, V]) ShapeVersion() uint64 { return m.shapeVer }
