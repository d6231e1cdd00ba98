package txn

import (
	"encoding/json"
	"errors"
)

type valueKind int

const (
	valueAbsent valueKind = iota
	valueDecoded
	valueRaw
)

// Value is a table entry as read from the store: absent, decoded from
// JSON, or raw bytes that are not JSON.
type Value struct {
	kind    valueKind
	raw     []byte
	decoded any
}

// Decode classifies b. A nil b is absent.
func Decode(b []byte) Value {
	if b == nil {
		return Value{}
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return Value{kind: valueDecoded, raw: b, decoded: v}
	}
	return Value{kind: valueRaw, raw: b}
}

func (v Value) Absent() bool {
	return v.kind == valueAbsent
}

func (v Value) IsDecoded() bool {
	return v.kind == valueDecoded
}

// Decoded returns the generic JSON decoding (map[string]any, []any,
// float64, string, bool or nil). It is nil unless IsDecoded.
func (v Value) Decoded() any {
	return v.decoded
}

// Raw returns the stored bytes of a present value.
func (v Value) Raw() []byte {
	return v.raw
}

func (v Value) String() string {
	return string(v.raw)
}

// Into decodes the stored JSON into dst.
func (v Value) Into(dst any) error {
	switch v.kind {
	case valueAbsent:
		return errors.New("txn: value absent")
	case valueRaw:
		return errors.New("txn: value is not JSON")
	}
	return json.Unmarshal(v.raw, dst)
}

// encodeValue turns a table value into its stored form. Bytes and strings
// are stored as is, everything else as JSON.
func encodeValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return append([]byte(nil), val...), nil
	case json.RawMessage:
		return append([]byte(nil), val...), nil
	case string:
		return []byte(val), nil
	default:
		return json.Marshal(val)
	}
}
