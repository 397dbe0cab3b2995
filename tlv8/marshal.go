package tlv8

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/xiam/to"
)

// Marshal encodes the tagged fields of the struct v, in field order.
//
// Fields are tagged `tlv8:"<type>[,omitempty]"` with a decimal type. Supported
// kinds are booleans and integers (fixed-width little-endian, as wide as the
// field), strings, byte slices and *big.Int (minimal unsigned big-endian).
func Marshal(v interface{}) ([]byte, error) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("tlv8: cannot marshal %T", v)
	}
	var c Container
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag, ok := f.Tag.Lookup("tlv8")
		if !ok {
			continue
		}
		t, omitEmpty, err := parseTag(tag)
		if err != nil {
			return nil, fmt.Errorf("tlv8: field %s: %w", f.Name, err)
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		b, err := encodeValue(fv)
		if err != nil {
			return nil, fmt.Errorf("tlv8: field %s: %w", f.Name, err)
		}
		c.Add(t, b)
	}
	return c.Bytes(), nil
}

// Unmarshal decodes b into the tagged fields of the struct pointed to by v.
// Types without a matching field are ignored; fields without a matching type
// are left untouched.
func Unmarshal(b []byte, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("tlv8: cannot unmarshal into %T", v)
	}
	c, err := NewContainer(b)
	if err != nil {
		return err
	}
	rv = rv.Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag, ok := f.Tag.Lookup("tlv8")
		if !ok {
			continue
		}
		t, _, err := parseTag(tag)
		if err != nil {
			return fmt.Errorf("tlv8: field %s: %w", f.Name, err)
		}
		if !c.Has(t) {
			continue
		}
		if err := decodeValue(rv.Field(i), c.Get(t)); err != nil {
			return fmt.Errorf("tlv8: field %s: %w", f.Name, err)
		}
	}
	return nil
}

func parseTag(tag string) (byte, bool, error) {
	name, opts, _ := strings.Cut(tag, ",")
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, false, fmt.Errorf("invalid type %q", name)
	}
	return byte(n), opts == "omitempty", nil
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

func encodeValue(v reflect.Value) ([]byte, error) {
	if v.Type() == bigIntType {
		if v.IsNil() {
			return nil, nil
		}
		n := v.Interface().(*big.Int)
		if n.Sign() < 0 {
			return nil, errors.New("negative big integer")
		}
		return n.Bytes(), nil
	}
	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := to.Uint64(scalar(v))
		return binary.LittleEndian.AppendUint64(nil, n)[:scalarSize(v.Type())], nil
	case reflect.String:
		return to.Bytes(v.String()), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("unsupported kind %s", v.Kind())
}

func decodeValue(v reflect.Value, b []byte) error {
	if v.Type() == bigIntType {
		v.Set(reflect.ValueOf(new(big.Int).SetBytes(b)))
		return nil
	}
	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// peers may send integers shorter than the field width
		size := scalarSize(v.Type())
		if len(b) > size {
			return fmt.Errorf("%w: %d byte integer for %d byte field", ErrMalformedTLV, len(b), size)
		}
		var buf [8]byte
		if isSigned(v.Kind()) && len(b) > 0 && b[len(b)-1]&0x80 != 0 {
			copy(buf[:], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		}
		copy(buf[:], b)
		n := binary.LittleEndian.Uint64(buf[:])
		if v.Kind() == reflect.Bool && n > 1 {
			return fmt.Errorf("%w: boolean value %d", ErrMalformedTLV, n)
		}
		cv, err := to.Convert(n, v.Kind())
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(cv).Convert(v.Type()))
		return nil
	case reflect.String:
		v.SetString(to.String(b))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			v.SetBytes(append([]byte{}, b...))
			return nil
		}
	}
	return fmt.Errorf("unsupported kind %s", v.Kind())
}

func scalarSize(t reflect.Type) int {
	if t.Kind() == reflect.Bool {
		return 1
	}
	return int(t.Size())
}

// scalar returns v as its basic type, named types included.
func scalar(v reflect.Value) interface{} {
	switch {
	case v.Kind() == reflect.Bool:
		return v.Bool()
	case isSigned(v.Kind()):
		return v.Int()
	}
	return v.Uint()
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}
