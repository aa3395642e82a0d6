package bencode

import (
	"bytes"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
)

// Encode writes the canonical form of v: dictionary keys are emitted in
// byte-wise order no matter how the map was built.
func Encode(buffer *bytes.Buffer, v Value) {
	switch v.kind {
	case Integer:
		buffer.WriteByte('i')
		buffer.WriteString(strconv.FormatInt(v.i, 10))
		buffer.WriteByte('e')
	case String:
		buffer.WriteString(strconv.Itoa(len(v.s)))
		buffer.WriteByte(':')
		buffer.Write(v.s)
	case List:
		buffer.WriteByte('l')
		for _, item := range v.l {
			Encode(buffer, item)
		}
		buffer.WriteByte('e')
	case Dict:
		buffer.WriteByte('d')
		for _, key := range v.Keys() {
			buffer.WriteString(strconv.Itoa(len(key)))
			buffer.WriteByte(':')
			buffer.WriteString(key)
			Encode(buffer, v.d[key])
		}
		buffer.WriteByte('e')
	}
}

func Marshal(v Value) []byte {
	var buf bytes.Buffer
	Encode(&buf, v)
	return buf.Bytes()
}

var valueType = reflect.TypeOf(Value{})

// FromAny converts plain Go data (ints, strings, byte slices, slices, maps
// keyed by string) into a Value. Floats and the like have no encoding.
func FromAny(o any) (Value, error) {
	if o == nil {
		return Value{}, errors.New("can't encode nil")
	}
	return fromReflect(reflect.ValueOf(o))
}

func fromReflect(value reflect.Value) (Value, error) {
	if value.Type() == valueType {
		return value.Interface().(Value), nil
	}
	switch value.Kind() {
	case reflect.Interface, reflect.Pointer:
		if value.IsNil() {
			return Value{}, errors.Errorf("can't encode nil %s", value.Type())
		}
		return fromReflect(value.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt(value.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewInt(int64(value.Uint())), nil
	case reflect.String:
		return NewString(value.String()), nil
	case reflect.Array:
		// fixed-size byte arrays (hashes, peer ids) are strings too
		if value.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, value.Len())
			reflect.Copy(reflect.ValueOf(b), value)
			return NewBytes(b), nil
		}
		return fromSequence(value)
	case reflect.Slice:
		if value.Type().Elem().Kind() == reflect.Uint8 {
			return NewBytes(value.Bytes()), nil
		}
		return fromSequence(value)
	case reflect.Map:
		if value.Type().Key().Kind() != reflect.String {
			return Value{}, errors.Errorf("dictionary keys must be strings, got %s", value.Type().Key())
		}
		m := make(map[string]Value, value.Len())
		iter := value.MapRange()
		for iter.Next() {
			v, err := fromReflect(iter.Value())
			if err != nil {
				return Value{}, errors.Wrapf(err, "key %q", iter.Key().String())
			}
			m[iter.Key().String()] = v
		}
		return NewDict(m), nil
	default:
		return Value{}, errors.Errorf("can't handle type %s", value.Kind())
	}
}

func fromSequence(value reflect.Value) (Value, error) {
	items := make([]Value, value.Len())
	for i := 0; i < value.Len(); i++ {
		v, err := fromReflect(value.Index(i))
		if err != nil {
			return Value{}, errors.Wrapf(err, "index %d", i)
		}
		items[i] = v
	}
	return NewList(items...), nil
}
