package bencode

import (
	"strconv"

	"github.com/pkg/errors"
)

// MaxDepth bounds list/dict nesting so crafted input can't blow the stack.
const MaxDepth = 64

var (
	ErrMalformedEncoding = errors.New("malformed bencoding")
	ErrDepthExceeded     = errors.New("bencode nesting too deep")
)

type decoder struct {
	buf      []byte
	pos      int
	maxDepth int
}

// Decode parses the first value in b and reports how many bytes it used.
func Decode(b []byte) (Value, int, error) {
	return DecodeWithLimit(b, MaxDepth)
}

func DecodeWithLimit(b []byte, maxDepth int) (Value, int, error) {
	d := &decoder{buf: b, maxDepth: maxDepth}
	v, err := d.value(0)
	if err != nil {
		return Value{}, d.pos, err
	}
	return v, d.pos, nil
}

// Unmarshal is Decode for a buffer that must hold exactly one value.
func Unmarshal(b []byte) (Value, error) {
	v, n, err := Decode(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, errors.Wrapf(ErrMalformedEncoding, "%d trailing bytes after value", len(b)-n)
	}
	return v, nil
}

func (d *decoder) fail(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedEncoding, "offset %d: "+format, append([]any{d.pos}, args...)...)
}

func (d *decoder) value(depth int) (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, d.fail("unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c >= '0' && c <= '9':
		s, err := d.bytestring()
		if err != nil {
			return Value{}, err
		}
		return NewBytes(s), nil
	case c == 'l':
		if depth >= d.maxDepth {
			return Value{}, errors.Wrapf(ErrDepthExceeded, "offset %d: limit %d", d.pos, d.maxDepth)
		}
		return d.list(depth + 1)
	case c == 'd':
		if depth >= d.maxDepth {
			return Value{}, errors.Wrapf(ErrDepthExceeded, "offset %d: limit %d", d.pos, d.maxDepth)
		}
		return d.dict(depth + 1)
	default:
		return Value{}, d.fail("unexpected byte %q", c)
	}
}

func (d *decoder) integer() (Value, error) {
	// skip the 'i'
	d.pos++
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != 'e' {
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return Value{}, d.fail("unterminated integer")
	}
	digits := d.buf[start:d.pos]
	if !validInteger(digits) {
		return Value{}, d.fail("invalid integer %q", digits)
	}
	i, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, d.fail("integer %q out of range", digits)
	}
	// and the 'e'
	d.pos++
	return NewInt(i), nil
}

// validInteger rejects "", "-", "-0" and leading zeros.
func validInteger(digits []byte) bool {
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
		if len(digits) > 0 && digits[0] == '0' {
			return false
		}
	}
	if len(digits) == 0 {
		return false
	}
	if digits[0] == '0' && len(digits) > 1 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (d *decoder) bytestring() ([]byte, error) {
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != ':' {
		if c := d.buf[d.pos]; c < '0' || c > '9' {
			return nil, d.fail("non-numeric length prefix")
		}
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return nil, d.fail("unterminated length prefix")
	}
	digits := d.buf[start:d.pos]
	if len(digits) > 1 && digits[0] == '0' {
		return nil, d.fail("length prefix %q has leading zero", digits)
	}
	length, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, d.fail("bad length prefix %q", digits)
	}
	// past the ':'
	d.pos++
	if length > len(d.buf)-d.pos {
		return nil, d.fail("string of length %d truncated, %d bytes left", length, len(d.buf)-d.pos)
	}
	s := d.buf[d.pos : d.pos+length : d.pos+length]
	d.pos += length
	return s, nil
}

func (d *decoder) list(depth int) (Value, error) {
	d.pos++
	items := []Value{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.fail("unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return NewList(items...), nil
		}
		item, err := d.value(depth)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict(depth int) (Value, error) {
	d.pos++
	m := map[string]Value{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.fail("unterminated dictionary")
		}
		c := d.buf[d.pos]
		if c == 'e' {
			d.pos++
			return NewDict(m), nil
		}
		if c < '0' || c > '9' {
			return Value{}, d.fail("dictionary key must be a string, got %q", c)
		}
		key, err := d.bytestring()
		if err != nil {
			return Value{}, err
		}
		if _, dup := m[string(key)]; dup {
			return Value{}, d.fail("duplicate dictionary key %q", key)
		}
		val, err := d.value(depth)
		if err != nil {
			return Value{}, err
		}
		m[string(key)] = val
	}
}
