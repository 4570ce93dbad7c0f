package mse

import (
	"fmt"
	"reflect"
	"sync"
)

// FlatMarshaler appends a value's flat encoding to buf.
type FlatMarshaler interface {
	MarshalFlat(buf []byte) []byte
}

// FlatUnmarshaler decodes a value from exactly FlatWidth bytes.
type FlatUnmarshaler interface {
	UnmarshalFlat(buf []byte) error
}

// FlatMarshallable is implemented (on the pointer type) by custom
// fixed-width values that want to control their own flat encoding.
type FlatMarshallable interface {
	FlatMarshaler
	FlatUnmarshaler
	FlatWidth() int
}

var flatMarshallableType = reflect.TypeOf((*FlatMarshallable)(nil)).Elem()
var byteType = reflect.TypeOf((byte)(0))
var byteArrayType = reflect.TypeOf(([]byte)(nil))

var flatEncodings sync.Map

// flatEncoding is the compiled flat codec for one declared shape. The
// encoding is self-delimiting: numbers use their natural fixed width,
// booleans one byte, strings and byte slices a uvarint length prefix,
// slices a uvarint count prefix, pointers a one-byte presence tag.
type flatEncoding struct {
	typ        reflect.Type
	components []*flatComponent
}

type flatComponent struct {
	Type    reflect.Type
	Path    string
	Getters []func(v reflect.Value) reflect.Value
	Encode  func(buf []byte, v reflect.Value) []byte
	Decode  func(d *byteDecoder, v reflect.Value) error
}

func (fc *flatComponent) valueIn(val reflect.Value) reflect.Value {
	for i := len(fc.Getters) - 1; i >= 0; i-- {
		val = fc.Getters[i](val)
	}
	return val
}

func flatEncodingOf(typ reflect.Type) *flatEncoding {
	if e, ok := flatEncodings.Load(typ); ok {
		return e.(*flatEncoding)
	}
	enc := &flatEncoding{typ: typ}
	enumerateFlatComponents(typ, func(fc *flatComponent) {
		enc.components = append(enc.components, fc)
	})
	flatEncodings.LoadOrStore(typ, enc)
	return enc
}

func (enc *flatEncoding) isZeroSize() bool {
	return len(enc.components) == 0
}

func (enc *flatEncoding) encode(buf []byte, val reflect.Value) []byte {
	for _, fc := range enc.components {
		buf = fc.Encode(buf, fc.valueIn(val))
	}
	return buf
}

// decode decodes buf into the value ptrVal points at. Trailing bytes after
// a complete value are malformed: a flat value owns its whole payload.
func (enc *flatEncoding) decode(buf []byte, ptrVal reflect.Value) error {
	if ptrVal.Kind() != reflect.Ptr {
		panic(fmt.Errorf("flatEncoding must be decoding into a ptr, got %v", ptrVal.Type()))
	}
	d := makeByteDecoder(buf)
	if err := enc.decodeFrom(&d, ptrVal.Elem()); err != nil {
		return err
	}
	if d.Remaining() != 0 {
		return malformedErrf(buf, d.Off(), "%d trailing bytes after value", d.Remaining())
	}
	return nil
}

func (enc *flatEncoding) decodeFrom(d *byteDecoder, val reflect.Value) error {
	for _, fc := range enc.components {
		cval := fc.valueIn(val)
		if !cval.CanSet() {
			panic(fmt.Errorf("unsettable value while decoding %v%s", enc.typ, fc.Path))
		}
		if err := fc.Decode(d, cval); err != nil {
			return fmt.Errorf("%s%w", pathPrefix(fc.Path), err)
		}
	}
	return nil
}

func enumerateFlatComponents(typ reflect.Type, f func(fc *flatComponent)) {
	if reflect.PointerTo(typ).Implements(flatMarshallableType) {
		width := reflect.New(typ).Interface().(FlatMarshallable).FlatWidth()
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return v.Interface().(FlatMarshaler).MarshalFlat(buf)
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				b, err := d.Raw(width)
				if err != nil {
					return err
				}
				return v.Addr().Interface().(FlatUnmarshaler).UnmarshalFlat(b)
			},
		})
		return
	}
	switch typ.Kind() {
	case reflect.Bool:
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				if v.Bool() {
					return appendUint8(buf, 1)
				}
				return appendUint8(buf, 0)
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				b, err := d.Byte()
				if err != nil {
					return err
				}
				if b > 1 {
					return malformedErrf(d.Orig, d.Off()-1, "invalid bool byte 0x%02x", b)
				}
				v.SetBool(b == 1)
				return nil
			},
		})
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f(intComponent(typ, typ.Bits()/8, false))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f(intComponent(typ, typ.Bits()/8, true))
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		// Platform-width integers would make the encoding nondeterministic
		// across hosts.
		panic(fmt.Errorf("mse cannot encode platform-width integer %v, use a sized integer", typ))
	case reflect.String:
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				s := v.String()
				buf = appendUvarint(buf, uint64(len(s)))
				return appendRaw(buf, []byte(s))
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				b, err := d.VarBytes()
				if err != nil {
					return err
				}
				v.SetString(string(b))
				return nil
			},
		})
	case reflect.Slice:
		if typ.Elem() == byteType {
			f(&flatComponent{
				Type: typ,
				Encode: func(buf []byte, v reflect.Value) []byte {
					return appendVarbytes(buf, v.Convert(byteArrayType).Interface().([]byte))
				},
				Decode: func(d *byteDecoder, v reflect.Value) error {
					b, err := d.VarBytes()
					if err != nil {
						return err
					}
					if len(b) == 0 {
						v.SetZero()
					} else {
						v.SetBytes(append([]byte(nil), b...))
					}
					return nil
				},
			})
			return
		}
		elemEnc := flatEncodingOf(typ.Elem())
		if elemEnc.isZeroSize() {
			panic(fmt.Errorf("mse cannot encode slice of zero-size elements %v", typ))
		}
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				n := v.Len()
				buf = appendUvarint(buf, uint64(n))
				for i := 0; i < n; i++ {
					buf = elemEnc.encode(buf, v.Index(i))
				}
				return buf
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				n, err := d.Uvarinti()
				if err != nil {
					return err
				}
				// Every element takes at least one byte, so a count beyond
				// the remaining input is short no matter what follows.
				if n > d.Remaining() {
					return truncErrf(d.Orig, d.Off(), "element count %d exceeds %d remaining bytes", n, d.Remaining())
				}
				if n == 0 {
					v.SetZero()
					return nil
				}
				v.Set(reflect.MakeSlice(typ, n, n))
				for i := 0; i < n; i++ {
					if err := elemEnc.decodeFrom(d, v.Index(i)); err != nil {
						return fmt.Errorf("[%d]%w", i, err)
					}
				}
				return nil
			},
		})
	case reflect.Array:
		n := typ.Len()
		if typ.Elem() == byteType {
			f(&flatComponent{
				Type: typ,
				Encode: func(buf []byte, v reflect.Value) []byte {
					off, buf := grow(buf, n)
					reflect.Copy(reflect.ValueOf(buf[off:]), v)
					return buf
				},
				Decode: func(d *byteDecoder, v reflect.Value) error {
					b, err := d.Raw(n)
					if err != nil {
						return err
					}
					reflect.Copy(v, reflect.ValueOf(b))
					return nil
				},
			})
			return
		}
		elemEnc := flatEncodingOf(typ.Elem())
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				for i := 0; i < n; i++ {
					buf = elemEnc.encode(buf, v.Index(i))
				}
				return buf
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				for i := 0; i < n; i++ {
					if err := elemEnc.decodeFrom(d, v.Index(i)); err != nil {
						return fmt.Errorf("[%d]%w", i, err)
					}
				}
				return nil
			},
		})
	case reflect.Ptr:
		elemType := typ.Elem()
		elemEnc := flatEncodingOf(elemType)
		f(&flatComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				if v.IsNil() {
					return appendUint8(buf, 0)
				}
				buf = appendUint8(buf, 1)
				return elemEnc.encode(buf, v.Elem())
			},
			Decode: func(d *byteDecoder, v reflect.Value) error {
				tag, err := d.Byte()
				if err != nil {
					return err
				}
				switch tag {
				case 0:
					v.SetZero()
					return nil
				case 1:
					v.Set(reflect.New(elemType))
					return elemEnc.decodeFrom(d, v.Elem())
				default:
					return malformedErrf(d.Orig, d.Off()-1, "invalid presence tag 0x%02x", tag)
				}
			},
		})
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			i := i
			field := typ.Field(i)
			if field.PkgPath != "" {
				panic(fmt.Errorf("mse cannot encode unexported field %v.%s", typ, field.Name))
			}
			get := func(v reflect.Value) reflect.Value {
				return v.Field(i)
			}
			enumerateFlatComponents(field.Type, func(fc *flatComponent) {
				fc.Getters = append(fc.Getters, get)
				fc.Path = "." + field.Name + fc.Path
				f(fc)
			})
		}
	default:
		panic(fmt.Errorf("mse does not know how to encode %v", typ))
	}
}

func intComponent(typ reflect.Type, width int, signed bool) *flatComponent {
	return &flatComponent{
		Type: typ,
		Encode: func(buf []byte, v reflect.Value) []byte {
			var u uint64
			if signed {
				u = uint64(v.Int())
			} else {
				u = v.Uint()
			}
			off, buf := grow(buf, width)
			for i := 0; i < width; i++ {
				buf[off+i] = byte(u >> (8 * (width - i - 1)))
			}
			return buf
		},
		Decode: func(d *byteDecoder, v reflect.Value) error {
			b, err := d.Raw(width)
			if err != nil {
				return err
			}
			var u uint64
			for _, c := range b {
				u = u<<8 | uint64(c)
			}
			if signed {
				shift := 64 - 8*width
				v.SetInt(int64(u<<shift) >> shift)
			} else {
				v.SetUint(u)
			}
			return nil
		},
	}
}

func pathPrefix(p string) string {
	if p == "" {
		return ""
	}
	return p + ": "
}
