package nexus

import "github.com/nexusdb/nexus-go-sdk/internal/value"

// Value is the typed parameter value the query layer sends over the wire.
// Construct one with the helpers below, or let the YQL builder infer it
// from a plain Go value.
type Value = value.Value

// UUID is a low/high 128-bit pair.
type UUID = value.UUID

// StructField and DictEntry build composite values.
type (
	StructField = value.StructField
	DictEntry   = value.DictEntry
)

// Scalar and composite constructors, re-exported from the value model.
var (
	Bool        = value.Bool
	Int8        = value.Int8
	Int16       = value.Int16
	Int32       = value.Int32
	Int64       = value.Int64
	Uint8       = value.Uint8
	Uint16      = value.Uint16
	Uint32      = value.Uint32
	Uint64      = value.Uint64
	Float       = value.Float
	Double      = value.Double
	Bytes       = value.Bytes
	Text        = value.Text
	JSON        = value.JSON
	JSONDoc     = value.JSONDoc
	YSON        = value.YSON
	UUIDValue   = value.UUIDValue
	Interval    = value.Interval
	Date        = value.Date
	Datetime    = value.Datetime
	Timestamp   = value.Timestamp
	TzDate      = value.TzDate
	TzDatetime  = value.TzDatetime
	TzTimestamp = value.TzTimestamp
	Null        = value.Null
	Optional    = value.Optional
	List        = value.List
	Tuple       = value.Tuple
	Dict        = value.Dict
	Struct      = value.Struct

	// Infer maps a plain Go value onto the closest typed Value.
	Infer = value.Infer
	// ToGo is Infer's inverse for scalar kinds.
	ToGo = value.ToGo
)
