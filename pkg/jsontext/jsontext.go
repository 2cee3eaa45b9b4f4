// Package jsontext provides an order-preserving, schemaless JSON value tree.
//
// The proxy forwards protocol payloads it does not understand, so messages
// must survive a decode/encode cycle byte-structure intact: object member
// order is preserved as encountered on the wire, and numbers keep their
// source text instead of being coerced through float64.
package jsontext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// Member is a single key/value pair of an object.
type Member struct {
	Key   string
	Value Value
}

// Value is one JSON value: an object, array, string, number, boolean or null.
// The zero Value is null.
type Value struct {
	kind    Kind
	str     string
	num     json.Number
	boolean bool
	elems   []Value
	members []Member
}

// NullValue returns the JSON null value.
func NullValue() Value {
	return Value{kind: Null}
}

// BoolValue returns a JSON boolean value.
func BoolValue(b bool) Value {
	return Value{kind: Bool, boolean: b}
}

// NumberValue returns a JSON number value carrying the given source text.
func NumberValue(n json.Number) Value {
	return Value{kind: Number, num: n}
}

// StringValue returns a JSON string value.
func StringValue(s string) Value {
	return Value{kind: String, str: s}
}

// ArrayValue returns a JSON array with the given elements.
func ArrayValue(elems ...Value) Value {
	return Value{kind: Array, elems: elems}
}

// ObjectValue returns a JSON object with the given members, in order.
func ObjectValue(members ...Member) Value {
	return Value{kind: Object, members: members}
}

// Kind returns the variant held by the value.
func (v Value) Kind() Kind {
	return v.kind
}

// AsString returns the string payload. The boolean reports whether the value
// is a string.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == String
}

// AsBool returns the boolean payload. The boolean result reports whether the
// value is a JSON boolean.
func (v Value) AsBool() (bool, bool) {
	return v.boolean, v.kind == Bool
}

// AsNumber returns the number payload with its original source text.
func (v Value) AsNumber() (json.Number, bool) {
	return v.num, v.kind == Number
}

// Elements returns the array elements, or nil for non-arrays.
// The returned slice must not be modified.
func (v Value) Elements() []Value {
	if v.kind != Array {
		return nil
	}
	return v.elems
}

// Members returns the object members in wire order, or nil for non-objects.
// The returned slice must not be modified.
func (v Value) Members() []Member {
	if v.kind != Object {
		return nil
	}
	return v.members
}

// Member returns the value of the named object member.
// The boolean reports whether the member exists.
func (v Value) Member(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// HasMember reports whether the value is an object containing the named member.
func (v Value) HasMember(key string) bool {
	_, found := v.Member(key)
	return found
}

// Decode parses data as exactly one JSON value, preserving object member
// order and number source text.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, decodeErr := decodeValue(dec)
	if decodeErr != nil {
		return Value{}, decodeErr
	}

	if dec.More() {
		return Value{}, errors.New("unexpected data after JSON value")
	}

	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, tokErr := dec.Token()
	if tokErr != nil {
		return Value{}, tokErr
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t.String())
		}
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case nil:
		return NullValue(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeObject(dec *json.Decoder) (Value, error) {
	var members []Member

	for dec.More() {
		keyTok, keyErr := dec.Token()
		if keyErr != nil {
			return Value{}, keyErr
		}
		key, ok := keyTok.(string)
		if !ok {
			return Value{}, fmt.Errorf("unexpected object key token %v", keyTok)
		}

		val, valErr := decodeValue(dec)
		if valErr != nil {
			return Value{}, valErr
		}

		members = append(members, Member{Key: key, Value: val})
	}

	// Consume the closing '}'
	if _, endErr := dec.Token(); endErr != nil {
		return Value{}, endErr
	}

	return ObjectValue(members...), nil
}

func decodeArray(dec *json.Decoder) (Value, error) {
	var elems []Value

	for dec.More() {
		elem, elemErr := decodeValue(dec)
		if elemErr != nil {
			return Value{}, elemErr
		}
		elems = append(elems, elem)
	}

	// Consume the closing ']'
	if _, endErr := dec.Token(); endErr != nil {
		return Value{}, endErr
	}

	return ArrayValue(elems...), nil
}

// Encode serializes the value as compact JSON.
func (v Value) Encode() ([]byte, error) {
	return v.appendTo(nil)
}

func (v Value) appendTo(buf []byte) ([]byte, error) {
	switch v.kind {
	case Null:
		return append(buf, "null"...), nil

	case Bool:
		if v.boolean {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil

	case Number:
		if v.num == "" {
			return append(buf, '0'), nil
		}
		return append(buf, v.num...), nil

	case String:
		encoded, encodeErr := json.Marshal(v.str)
		if encodeErr != nil {
			return nil, encodeErr
		}
		return append(buf, encoded...), nil

	case Array:
		buf = append(buf, '[')
		for i, elem := range v.elems {
			if i > 0 {
				buf = append(buf, ',')
			}
			var elemErr error
			buf, elemErr = elem.appendTo(buf)
			if elemErr != nil {
				return nil, elemErr
			}
		}
		return append(buf, ']'), nil

	case Object:
		buf = append(buf, '{')
		for i, m := range v.members {
			if i > 0 {
				buf = append(buf, ',')
			}
			key, keyErr := json.Marshal(m.Key)
			if keyErr != nil {
				return nil, keyErr
			}
			buf = append(buf, key...)
			buf = append(buf, ':')
			var valErr error
			buf, valErr = m.Value.appendTo(buf)
			if valErr != nil {
				return nil, valErr
			}
		}
		return append(buf, '}'), nil

	default:
		return nil, fmt.Errorf("cannot encode value of kind %d", int(v.kind))
	}
}
