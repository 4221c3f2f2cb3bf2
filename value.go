package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

// Kinds of Value. The zero Value is KindNull.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a JSON-like tagged union used for tool arguments, tool results and any other
// structured payload exchanged with the server. A Value is one of null, bool, number,
// string, an ordered sequence of Values, or a mapping from string keys to Values.
//
// Object members keep the order in which they were added or decoded, so a Value
// re-encodes to the same bytes it was decoded from (modulo whitespace). Numbers keep their
// literal text to avoid precision loss for large integers.
//
// Values are immutable once constructed; the accessors never expose internal slices.
type Value struct {
	kind    Kind
	boolean bool
	text    string // number literal or string contents
	items   []Value
	members []Member
}

// Member is a single key/value pair of an object Value.
type Member struct {
	Key   string
	Value Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }

// Int returns a numeric Value holding an integer.
func Int(n int64) Value { return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)} }

// Float returns a numeric Value holding f. NaN and the infinities have no JSON form
// and become null.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, text: s} }

// Array returns a sequence Value containing items in order.
func Array(items ...Value) Value {
	return Value{kind: KindArray, items: append([]Value{}, items...)}
}

// Object returns a mapping Value. If a key appears more than once the last member wins,
// keeping the position of the first occurrence.
func Object(members ...Member) Value {
	b := objectBuilder{members: make([]Member, 0, len(members))}
	for _, m := range members {
		b.set(m.Key, m.Value)
	}
	return b.value()
}

// Field is shorthand for constructing a Member.
func Field(key string, value Value) Member { return Member{Key: key, Value: value} }

// ValueOf converts an arbitrary Go value into a Value by way of its JSON encoding.
// Maps are converted with their keys sorted, as encoding/json does.
func ValueOf(v any) (Value, error) {
	if vv, ok := v.(Value); ok {
		return vv, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	return ParseValue(bs)
}

// MustValueOf is like ValueOf but panics on error. It is intended for literals in
// tests and examples.
func MustValueOf(v any) Value {
	vv, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return vv
}

// ParseValue decodes JSON text into a Value.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.boolean, v.kind == KindBool }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

// AsFloat returns the number held by v as a float64.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsInt returns the number held by v if it is an integer that fits in an int64.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(v.text, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Len returns the number of items of an array or members of an object, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.members)
	default:
		return 0
	}
}

// Index returns the i-th item of an array Value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Items returns a copy of the items of an array Value.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return append([]Value{}, v.items...)
}

// Get returns the member value stored under key in an object Value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Members returns a copy of the members of an object Value in order.
func (v Value) Members() []Member {
	if v.kind != KindObject {
		return nil
	}
	return append([]Member{}, v.members...)
}

// With returns a copy of the object v with key set to value. Calling With on a
// non-object Value starts a new object.
func (v Value) With(key string, value Value) Value {
	members := v.Members()
	return Value{kind: KindObject, members: setMember(members, key, value)}
}

// Interface converts v into plain Go values: nil, bool, float64 (or int64 for integral
// numbers), string, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.boolean
	case KindNumber:
		if n, ok := v.AsInt(); ok {
			return n
		}
		f, _ := v.AsFloat()
		return f
	case KindString:
		return v.text
	case KindArray:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.members))
		for _, m := range v.members {
			out[m.Key] = m.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// Decode unmarshals v into target, which must be a pointer.
func (v Value) Decode(target any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(bs, target)
}

// Equal reports whether v and o hold the same data. Object members are compared
// regardless of order; numbers are compared by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolean == o.boolean
	case KindNumber:
		if v.text == o.text {
			return true
		}
		a, aok := v.AsFloat()
		b, bok := o.AsFloat()
		return aok && bok && a == b
	case KindString:
		return v.text == o.text
	case KindArray:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.members) != len(o.members) {
			return false
		}
		others := make(map[string]Value, len(o.members))
		for _, m := range o.members {
			others[m.Key] = m.Value
		}
		for _, m := range v.members {
			om, ok := others[m.Key]
			if !ok || !m.Value.Equal(om) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as compact JSON.
func (v Value) String() string {
	bs, _ := v.MarshalJSON()
	return string(bs)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.appendJSON(&buf)
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) appendJSON(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.boolean))
	case KindNumber:
		buf.WriteString(v.text)
	case KindString:
		// Marshalling a string can't fail.
		bs, _ := json.Marshal(v.text)
		buf.Write(bs)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.appendJSON(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			bs, _ := json.Marshal(m.Key)
			buf.Write(bs)
			buf.WriteByte(':')
			m.Value.appendJSON(buf)
		}
		buf.WriteByte('}')
	}
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Value{kind: KindNumber, text: t.String()}, nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			v := Value{kind: KindArray, items: []Value{}}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.items = append(v.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		case '{':
			b := objectBuilder{members: []Member{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("invalid object key %v", keyTok)
				}
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				b.set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return b.value(), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// objectBuilder collects object members in insertion order. A repeated key replaces
// the earlier value in place.
type objectBuilder struct {
	members []Member
	index   map[string]int
}

func (b *objectBuilder) set(key string, value Value) {
	if i, ok := b.index[key]; ok {
		b.members[i].Value = value
		return
	}
	if b.index == nil {
		b.index = make(map[string]int)
	}
	b.index[key] = len(b.members)
	b.members = append(b.members, Member{Key: key, Value: value})
}

func (b *objectBuilder) value() Value {
	return Value{kind: KindObject, members: b.members}
}

func setMember(members []Member, key string, value Value) []Member {
	for i := range members {
		if members[i].Key == key {
			members[i].Value = value
			return members
		}
	}
	return append(members, Member{Key: key, Value: value})
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}
