// Package value implements the typed parameter value tree the query
// layer sends over the wire: primitive scalars, Optional, List, Tuple, Dict, Struct and Null,
// plus the wire encoding and the Go-value inference used by the YQL
// template builder.
package value

import (
	"fmt"
	"math/big"
	"time"
)

// Kind identifies the shape of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat
	KindDouble
	KindBytes
	KindText
	KindJSON
	KindJSONDocument
	KindYSON
	KindUUID
	KindDate
	KindDatetime
	KindTimestamp
	KindTzDate
	KindTzDatetime
	KindTzTimestamp
	KindInterval
	KindOptional
	KindList
	KindTuple
	KindDict
	KindStruct
)

// UUID is a {low128, high128} pair of 64-bit halves.
type UUID struct {
	Low  big.Int
	High big.Int
}

// Value is the opaque typed-value tree the core consumes; it is never
// constructed from a raw Go value except through the inference rules in
// Infer or the explicit constructors below.
type Value struct {
	kind     Kind
	scalar   any
	inner    *Value   // Optional payload (nil means database NULL)
	items    []*Value // List / Tuple items
	dict     []DictEntry
	fields   []StructField
	tzOffset string // trailing ",<tz>" for TZ_* kinds
}

type DictEntry struct {
	Key, Val *Value
}

type StructField struct {
	Name string
	Val  *Value
}

func (v *Value) Kind() Kind { return v.kind }

// Bool, Int32, Int64, Text, Bytes, Double, Float construct primitive
// scalars.
func Bool(b bool) *Value       { return &Value{kind: KindBool, scalar: b} }
func Int8(i int8) *Value       { return &Value{kind: KindInt8, scalar: i} }
func Int16(i int16) *Value     { return &Value{kind: KindInt16, scalar: i} }
func Int32(i int32) *Value     { return &Value{kind: KindInt32, scalar: i} }
func Int64(i int64) *Value     { return &Value{kind: KindInt64, scalar: i} }
func Uint8(i uint8) *Value     { return &Value{kind: KindUint8, scalar: i} }
func Uint16(i uint16) *Value   { return &Value{kind: KindUint16, scalar: i} }
func Uint32(i uint32) *Value   { return &Value{kind: KindUint32, scalar: i} }
func Uint64(i uint64) *Value   { return &Value{kind: KindUint64, scalar: i} }
func Float(f float32) *Value   { return &Value{kind: KindFloat, scalar: f} }
func Double(f float64) *Value  { return &Value{kind: KindDouble, scalar: f} }
func Bytes(b []byte) *Value    { return &Value{kind: KindBytes, scalar: b} }
func Text(s string) *Value     { return &Value{kind: KindText, scalar: s} }
func JSON(s string) *Value     { return &Value{kind: KindJSON, scalar: s} }
func JSONDoc(s string) *Value  { return &Value{kind: KindJSONDocument, scalar: s} }
func YSON(b []byte) *Value     { return &Value{kind: KindYSON, scalar: b} }
func UUIDValue(u UUID) *Value  { return &Value{kind: KindUUID, scalar: u} }
func Interval(d time.Duration) *Value {
	return &Value{kind: KindInterval, scalar: d}
}

// Date, Datetime, Timestamp encode to Unix-epoch counts: days,
// seconds, microseconds respectively.
func Date(t time.Time) *Value {
	days := t.UTC().Unix() / 86400
	return &Value{kind: KindDate, scalar: days}
}

func Datetime(t time.Time) *Value {
	return &Value{kind: KindDatetime, scalar: t.UTC().Unix()}
}

func Timestamp(t time.Time) *Value {
	return &Value{kind: KindTimestamp, scalar: t.UTC().UnixMicro()}
}

// TzDatetime encodes a timezone-aware instant as an ISO 9075 string with
// a trailing ",<tz>".
func TzDatetime(t time.Time) *Value {
	tz := t.Location().String()
	return &Value{
		kind:     KindTzDatetime,
		scalar:   t.Format("2006-01-02T15:04:05") + "," + tz,
		tzOffset: tz,
	}
}

func TzDate(t time.Time) *Value {
	tz := t.Location().String()
	return &Value{kind: KindTzDate, scalar: t.Format("2006-01-02") + "," + tz, tzOffset: tz}
}

func TzTimestamp(t time.Time) *Value {
	tz := t.Location().String()
	return &Value{kind: KindTzTimestamp, scalar: t.Format("2006-01-02T15:04:05.999999") + "," + tz, tzOffset: tz}
}

// Null is the bottom type: always NULL, untyped.
func Null() *Value { return &Value{kind: KindNull} }

// Optional wraps v (nil means a NULL of the wrapped type).
func Optional(v *Value) *Value {
	return &Value{kind: KindOptional, inner: v}
}

// List builds a homogeneous positional sequence.
func List(items ...*Value) *Value {
	return &Value{kind: KindList, items: items}
}

// Tuple builds a positional sequence of possibly-heterogeneous values.
func Tuple(items ...*Value) *Value {
	return &Value{kind: KindTuple, items: items}
}

// Dict builds a key->value mapping.
func Dict(entries ...DictEntry) *Value {
	return &Value{kind: KindDict, dict: entries}
}

// Struct builds a named-field record.
func Struct(fields ...StructField) *Value {
	return &Value{kind: KindStruct, fields: fields}
}

// Raw returns the underlying scalar payload, for callers (the query
// executor) translating a Value back into its plain Go form.
func (v *Value) Raw() any {
	switch v.kind {
	case KindOptional:
		if v.inner == nil {
			return nil
		}
		return v.inner.Raw()
	case KindList, KindTuple:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Raw()
		}
		return out
	case KindDict:
		out := make(map[any]any, len(v.dict))
		for _, e := range v.dict {
			out[e.Key.Raw()] = e.Val.Raw()
		}
		return out
	case KindStruct:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Name] = f.Val.Raw()
		}
		return out
	default:
		return v.scalar
	}
}

func (v *Value) String() string {
	return fmt.Sprintf("%s(%v)", kindName(v.kind), v.Raw())
}

func kindName(k Kind) string {
	names := map[Kind]string{
		KindNull: "Null", KindBool: "Bool", KindInt8: "Int8", KindInt16: "Int16",
		KindInt32: "Int32", KindInt64: "Int64", KindUint8: "Uint8", KindUint16: "Uint16",
		KindUint32: "Uint32", KindUint64: "Uint64", KindFloat: "Float", KindDouble: "Double",
		KindBytes: "Bytes", KindText: "Text", KindJSON: "Json", KindJSONDocument: "JsonDocument",
		KindYSON: "Yson", KindUUID: "Uuid", KindDate: "Date", KindDatetime: "Datetime",
		KindTimestamp: "Timestamp", KindTzDate: "TzDate", KindTzDatetime: "TzDatetime",
		KindTzTimestamp: "TzTimestamp", KindInterval: "Interval", KindOptional: "Optional",
		KindList: "List", KindTuple: "Tuple", KindDict: "Dict", KindStruct: "Struct",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}
