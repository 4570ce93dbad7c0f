package mse

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

type flatInner struct {
	Tag string
	N   int32
}

type flatOuter struct {
	A    uint64
	B    int16
	C    bool
	S    string
	Blob []byte
	ID   [4]byte
	P    *uint32
	L    []flatInner
	Bal  U128
}

func encodeValue(t *testing.T, v any) []byte {
	t.Helper()
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr {
		t.Fatalf("encodeValue wants a pointer, got %v", ptr.Type())
	}
	enc := flatEncodingOf(ptr.Type().Elem())
	return enc.encode(nil, ptr.Elem())
}

func decodeValue(v any, data []byte) error {
	ptr := reflect.ValueOf(v)
	enc := flatEncodingOf(ptr.Type().Elem())
	return enc.decode(data, ptr)
}

func flatSamples() []flatOuter {
	seven := uint32(7)
	return []flatOuter{
		{},
		{A: 1, B: -2, C: true, S: "x", Bal: U128From64(5)},
		{A: ^uint64(0), B: -32768, S: "hello, world", Blob: []byte{0, 1, 2}},
		{ID: [4]byte{0xDE, 0xAD, 0xBE, 0xEF}, P: &seven},
		{L: []flatInner{{Tag: "a", N: -1}, {Tag: "", N: 42}}, Bal: U128FromParts(3, 4)},
		{S: string(bytes.Repeat([]byte{'z'}, 300))},
	}
}

func TestFlatRoundTrip(t *testing.T) {
	for i, orig := range flatSamples() {
		data := encodeValue(t, &orig)
		var back flatOuter
		if err := decodeValue(&back, data); err != nil {
			t.Fatalf("sample %d: decode failed: %v", i, err)
		}
		if !reflect.DeepEqual(orig, back) {
			t.Fatalf("sample %d: round trip = %+v, wanted %+v", i, back, orig)
		}
	}
}

func TestFlatDecodeDeterministic(t *testing.T) {
	orig := flatSamples()[2]
	a := encodeValue(t, &orig)
	b := encodeValue(t, &orig)
	if !bytes.Equal(a, b) {
		t.Fatalf("two encodings differ: %x vs %x", a, b)
	}
}

// Any proper prefix of a valid encoding is short, never malformed and
// never silently accepted.
func TestFlatDecodeTruncatedPrefixes(t *testing.T) {
	for i, orig := range flatSamples() {
		data := encodeValue(t, &orig)
		for n := 0; n < len(data); n++ {
			var back flatOuter
			err := decodeValue(&back, data[:n])
			if err == nil {
				t.Fatalf("sample %d: decode of %d/%d-byte prefix succeeded", i, n, len(data))
			}
			if !errors.Is(err, ErrTruncated) {
				t.Fatalf("sample %d: decode of %d/%d-byte prefix = %v, wanted ErrTruncated", i, n, len(data), err)
			}
			if errors.Is(err, ErrMalformed) {
				t.Fatalf("sample %d: prefix decode reported malformed: %v", i, err)
			}
		}
	}
}

func TestFlatDecodeTrailingBytes(t *testing.T) {
	orig := flatSamples()[1]
	data := encodeValue(t, &orig)
	var back flatOuter
	err := decodeValue(&back, append(data, 0))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("decode with trailing byte = %v, wanted ErrMalformed", err)
	}
}

func TestFlatDecodeBadBool(t *testing.T) {
	var v struct{ B bool }
	err := decodeValue(&v, []byte{2})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("decode of bool byte 2 = %v, wanted ErrMalformed", err)
	}
}

func TestFlatDecodeBadPresenceTag(t *testing.T) {
	var v struct{ P *uint8 }
	err := decodeValue(&v, []byte{7, 1})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("decode of presence tag 7 = %v, wanted ErrMalformed", err)
	}
}

func TestFlatDecodeOverlongVarint(t *testing.T) {
	var v struct{ S string }
	err := decodeValue(&v, bytes.Repeat([]byte{0xFF}, 10))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("decode of overlong uvarint = %v, wanted ErrMalformed", err)
	}
}

func TestFlatDecodeCountBeyondInput(t *testing.T) {
	var v struct{ L []uint16 }
	// Count 200 with 4 bytes of input cannot possibly complete.
	err := decodeValue(&v, []byte{200, 1, 0, 1, 0, 2})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("decode of oversized count = %v, wanted ErrTruncated", err)
	}
}

func TestFlatSignedIntRange(t *testing.T) {
	type s struct {
		A int8
		B int16
		C int32
		D int64
	}
	for _, orig := range []s{
		{-128, -32768, -1 << 31, -1 << 63},
		{127, 32767, 1<<31 - 1, 1<<63 - 1},
		{-1, -1, -1, -1},
	} {
		data := encodeValue(t, &orig)
		var back s
		if err := decodeValue(&back, data); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if back != orig {
			t.Fatalf("round trip = %+v, wanted %+v", back, orig)
		}
	}
}

// Distinct key tuples must encode distinctly, or two logical keys would
// share one entry address.
func TestFlatEncodingInjective(t *testing.T) {
	type key struct{ A, B string }
	a := encodeValue(t, &key{"a", "bc"})
	b := encodeValue(t, &key{"ab", "c"})
	if bytes.Equal(a, b) {
		t.Fatalf("distinct keys encoded identically: %x", a)
	}
}

func mustPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	f()
}

func TestFlatPlatformIntPanics(t *testing.T) {
	type bad struct{ N int }
	mustPanic(t, func() {
		flatEncodingOf(reflect.TypeOf(bad{}))
	})
}

func TestFlatUnexportedFieldPanics(t *testing.T) {
	type bad struct{ hidden uint32 }
	mustPanic(t, func() {
		flatEncodingOf(reflect.TypeOf(bad{}))
	})
}

func TestFlatZeroSizeSliceElemPanics(t *testing.T) {
	type bad struct{ L []struct{} }
	mustPanic(t, func() {
		flatEncodingOf(reflect.TypeOf(bad{}))
	})
}
