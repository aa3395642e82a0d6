package bencode_test

import (
	"axiomiety/go-leech/bencode"
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestBencodeDecode(t *testing.T) {

	testCases := []struct {
		data []byte
	}{
		{[]byte("i-42e")},
		{[]byte("i0e")},
		{[]byte("3:foo")},
		{[]byte("0:")},
		{[]byte("12:foobarraboof")},
		{[]byte("le")},
		{[]byte("li42ee")},
		{[]byte("li42ei43ee")},
		{[]byte("de")},
		{[]byte("d3:fooi42ee")},
		{[]byte("d3:fooli42eee")},
		{[]byte("d3:fooi42e3:zari1ee")},
		{[]byte("d1:ad1:bl1:cd1:di-1eeeee")},
	}

	for _, testCase := range testCases {
		v, n, err := bencode.Decode(testCase.data)
		if err != nil {
			t.Errorf("%s: unexpected error %s", testCase.data, err)
			continue
		}
		if n != len(testCase.data) {
			t.Errorf("%s: consumed %d bytes, expected %d", testCase.data, n, len(testCase.data))
		}
		if bb := bencode.Marshal(v); !bytes.Equal(bb, testCase.data) {
			t.Errorf("expected %s, got %s", testCase.data, bb)
		}
	}
}

func TestBencodeRecursiveParser(t *testing.T) {

	// negative int!
	v, _, err := bencode.Decode([]byte("i-42e"))
	if i, ok := v.Int(); err != nil || !ok || i != -42 {
		t.Errorf("expected -42, got %v (%v)", v, err)
	}

	// string, above 10 chars
	v, _, _ = bencode.Decode([]byte("12:foobarraboof"))
	if s, ok := v.Str(); !ok || s != "foobarraboof" {
		t.Errorf("expected 'foobarraboof', got %v", v)
	}

	// list with two items
	v, _, _ = bencode.Decode([]byte("li42ei43ee"))
	items, ok := v.List()
	if !ok || len(items) != 2 {
		t.Fatalf("expected [42, 43], got %v", v)
	}
	if i, _ := items[1].Int(); i != 43 {
		t.Errorf("expected 43, got %v", items[1])
	}

	// a map with a list
	v, _, _ = bencode.Decode([]byte("d3:fooli42eee"))
	foo, ok := v.Get("foo")
	if !ok || foo.Kind() != bencode.List {
		t.Fatalf("expected {'foo': [42]}, got %v", v)
	}

	// only the first value is consumed
	_, n, err := bencode.Decode([]byte("i1ei2e"))
	if err != nil || n != 3 {
		t.Errorf("expected 3 bytes consumed, got %d (%v)", n, err)
	}
}

func TestBencodeBinaryStrings(t *testing.T) {
	raw := []byte{0x00, 0xff, 'e', ':', 0x80}
	input := append([]byte("5:"), raw...)
	v, err := bencode.Unmarshal(input)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := v.Bytes()
	if !bytes.Equal(b, raw) {
		t.Errorf("expected %v, got %v", raw, b)
	}
}

func TestBencodeMalformed(t *testing.T) {
	testCases := []string{
		"",
		"5:ab",
		"i42",
		"ie",
		"i-e",
		"i-0e",
		"i03e",
		"i4x2e",
		"l",
		"li1e",
		"d3:foo",
		"di1ei2ee",
		"d3:fooi1e3:fooi2ee",
		"3x:abc",
		"x",
		"99999999999999999999:a",
		"i99999999999999999999e",
	}
	for _, tc := range testCases {
		_, _, err := bencode.Decode([]byte(tc))
		if !errors.Is(err, bencode.ErrMalformedEncoding) {
			t.Errorf("%q: expected ErrMalformedEncoding, got %v", tc, err)
		}
	}

	// trailing garbage is only an error when the whole buffer should be one value
	if _, err := bencode.Unmarshal([]byte("i1ejunk")); !errors.Is(err, bencode.ErrMalformedEncoding) {
		t.Errorf("expected ErrMalformedEncoding, got %v", err)
	}
}

func TestBencodeDepth(t *testing.T) {
	deep := strings.Repeat("l", 65) + strings.Repeat("e", 65)
	if _, _, err := bencode.Decode([]byte(deep)); !errors.Is(err, bencode.ErrDepthExceeded) {
		t.Errorf("expected ErrDepthExceeded, got %v", err)
	}

	ok := strings.Repeat("l", 64) + strings.Repeat("e", 64)
	if _, _, err := bencode.Decode([]byte(ok)); err != nil {
		t.Errorf("64 levels should decode, got %v", err)
	}

	if _, _, err := bencode.DecodeWithLimit([]byte("d1:ali1eee"), 1); !errors.Is(err, bencode.ErrDepthExceeded) {
		t.Errorf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestBencodeEncode(t *testing.T) {
	testCases := []struct {
		in       any
		expected string
	}{
		{42, "i42e"},
		{int64(-7), "i-7e"},
		{"foobar", "6:foobar"},
		{[]byte{'a', 0}, "2:a\x00"},
		{[20]byte{}, "20:" + strings.Repeat("\x00", 20)},
		{[]int{1, 2, 3}, "li1ei2ei3ee"},
		// ditto, but uint16
		{[]uint16{1, 2, 3}, "li1ei2ei3ee"},
		{[]string{"a", "bc", "def"}, "l1:a2:bc3:defe"},
		// note the alphabetical order
		{map[string]int{"def": 2, "abc": 1}, "d3:abci1e3:defi2ee"},
		{map[string]any{"def": []int{1, 2, 3}, "abc": "foo"}, "d3:abc3:foo3:defli1ei2ei3eee"},
		{map[string]any{"v": bencode.NewList(bencode.NewInt(1))}, "d1:vli1eee"},
	}
	for _, tc := range testCases {
		v, err := bencode.FromAny(tc.in)
		if err != nil {
			t.Errorf("%v: unexpected error %s", tc.in, err)
			continue
		}
		if bb := bencode.Marshal(v); string(bb) != tc.expected {
			t.Errorf("expected %q, got %q", tc.expected, bb)
		}
	}

	// floats are *not* supported!
	if _, err := bencode.FromAny(3.44); err == nil {
		t.Errorf("expected an error for floats")
	}
	if _, err := bencode.FromAny(map[int]int{1: 1}); err == nil {
		t.Errorf("expected an error for non-string keys")
	}
}

func TestBencodeCanonicalOrder(t *testing.T) {
	// keys compare as raw bytes, so upper case sorts before lower case
	// and "a" before "a\x00"
	d := bencode.NewDict(nil)
	m, _ := d.Dict()
	for _, k := range []string{"b", "a\x00", "B", "a", "\xff"} {
		m[k] = bencode.NewInt(1)
	}
	expected := "d1:Bi1e1:ai1e2:a\x00i1e1:bi1e1:\xffi1ee"
	if bb := bencode.Marshal(d); string(bb) != expected {
		t.Errorf("expected %q, got %q", expected, bb)
	}

	// unsorted input decodes fine but re-encodes sorted
	v, err := bencode.Unmarshal([]byte("d3:zzzi1e3:aaai2ee"))
	if err != nil {
		t.Fatal(err)
	}
	if bb := bencode.Marshal(v); string(bb) != "d3:aaai2e3:zzzi1ee" {
		t.Errorf("expected sorted keys, got %s", bb)
	}
}

func TestBencodeRoundTrip(t *testing.T) {
	values := []bencode.Value{
		bencode.NewInt(0),
		bencode.NewInt(-9223372036854775808),
		bencode.NewInt(9223372036854775807),
		bencode.NewBytes([]byte{}),
		bencode.NewBytes([]byte{1, 2, 3, 0xff}),
		bencode.NewList(),
		bencode.NewList(bencode.NewString("x"), bencode.NewList(bencode.NewInt(1))),
		bencode.NewDict(map[string]bencode.Value{
			"info": bencode.NewDict(map[string]bencode.Value{
				"pieces": bencode.NewBytes(bytes.Repeat([]byte{0xab}, 40)),
				"length": bencode.NewInt(100),
			}),
			"announce": bencode.NewString("http://x.com"),
			"list":     bencode.NewList(bencode.NewDict(nil)),
		}),
	}
	for _, v := range values {
		decoded, err := bencode.Unmarshal(bencode.Marshal(v))
		if err != nil {
			t.Errorf("%v: %s", v, err)
			continue
		}
		if !decoded.Equal(v) {
			t.Errorf("expected %v, got %v", v, decoded)
		}
	}
}
