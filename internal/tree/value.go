package tree

import (
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the JSON-shaped value types stored in the
// key-value backend. Only Null, String, Number, Bool, Array, and Object
// implement it. All reconciliation, hashing, and snapshot logic operates on
// this representation rather than on raw map[string]any.
type Value interface {
	treeValue() // Sealed - only these types implement it
}

// Null represents a JSON null.
type Null struct{}

func (Null) treeValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String represents a string value.
type String string

func (String) treeValue() {}

// Number holds the original JSON number literal unmodified.
//
// Keeping the source text (rather than converting through float64) means a
// value read from storage and written back is byte-identical, and canonical
// hashing over numbers is deterministic regardless of host float formatting.
type Number string

func (Number) treeValue() {}

// Int64 returns the number as an int64 when it has an integer literal.
func (n Number) Int64() (int64, bool) {
	i, err := json.Number(n).Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// Float64 returns the number as a float64.
func (n Number) Float64() (float64, bool) {
	f, err := json.Number(n).Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool represents a boolean value.
type Bool bool

func (Bool) treeValue() {}

// Array represents an ordered list of Values.
type Array []Value

func (Array) treeValue() {}

// Object represents a map of string keys to Values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) treeValue() {}

// SortedKeys returns keys in canonical order (UTF-16 code units, RFC 8785).
// Go's sort.Strings compares UTF-8 bytes which produces a DIFFERENT order
// for strings outside the ASCII range.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 compares strings by UTF-16 code units as required by
// RFC 8785. Must use unicode/utf16.Encode for correct surrogate handling.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}

	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := decodeValue(v)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(Array, len(raw))
	for i, v := range raw {
		val, err := decodeValue(v)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// FromJSON decodes raw JSON bytes into a Value.
func FromJSON(data []byte) (Value, error) {
	v, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// decodeValue dispatches on the first significant byte of a JSON value.
func decodeValue(data []byte) (Value, error) {
	i := 0
	for i < len(data) && isJSONSpace(data[i]) {
		i++
	}
	if i == len(data) {
		return nil, fmt.Errorf("empty JSON value")
	}
	data = data[i:]

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil || raw != nil {
			return nil, fmt.Errorf("invalid JSON literal: %s", string(data))
		}
		return Null{}, nil

	case '[':
		var arr Array
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case '{':
		var obj Object
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		return Number(n), nil
	}
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// ToJSON serializes a Value back to JSON. Object keys are emitted in
// canonical UTF-16 order so repeated serialization of the same tree is
// byte-stable. Not RFC 8785 canonical form; use MarshalCanonical for hashing.
func ToJSON(v Value) ([]byte, error) {
	return appendJSON(nil, v)
}

func appendJSON(dst []byte, v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return append(dst, "null"...), nil
	case String:
		b, err := json.Marshal(string(val))
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	case Number:
		if !json.Valid([]byte(val)) {
			return nil, fmt.Errorf("invalid number literal: %q", string(val))
		}
		return append(dst, val...), nil
	case Bool:
		if val {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil
	case Array:
		dst = append(dst, '[')
		for i, elem := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendJSON(dst, elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return append(dst, ']'), nil
	case Object:
		dst = append(dst, '{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			dst = append(dst, kb...)
			dst = append(dst, ':')
			dst, err = appendJSON(dst, val[k])
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("unsupported tree value type: %T", v)
	}
}

// FromGo converts plain Go values (as produced by encoding/json into any)
// to a Value. Intended for tests and programmatic construction.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Number(fmt.Sprintf("%d", val)), nil
	case int64:
		return Number(fmt.Sprintf("%d", val)), nil
	case json.Number:
		return Number(val), nil
	case float64:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return Number(b), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			tv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = tv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			tv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = tv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// MustFromJSON is like FromJSON but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFromJSON(data string) Value {
	v, err := FromJSON([]byte(data))
	if err != nil {
		panic(err)
	}
	return v
}
