package value

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// wireValue is the JSON wire shape of a Value: a kind tag plus whichever
// payload field the kind uses. Scalars stay as raw JSON so the decode side
// can pick the right Go type from the kind instead of losing 64-bit
// precision to float64.
type wireValue struct {
	Kind   Kind            `json:"kind"`
	Scalar json.RawMessage `json:"value,omitempty"`
	TZ     string          `json:"tz,omitempty"`
	Inner  *wireValue      `json:"inner,omitempty"`
	// InnerNull distinguishes Optional(nil) from a missing field.
	InnerNull bool         `json:"innerNull,omitempty"`
	Items     []*wireValue `json:"items,omitempty"`
	Pairs     []wirePair   `json:"pairs,omitempty"`
	Fields    []wireField  `json:"fields,omitempty"`
	UUID      *wireUUID    `json:"uuid,omitempty"`
}

type wirePair struct {
	Key *wireValue `json:"key"`
	Val *wireValue `json:"val"`
}

type wireField struct {
	Name string     `json:"name"`
	Val  *wireValue `json:"val"`
}

type wireUUID struct {
	Low  *big.Int `json:"low"`
	High *big.Int `json:"high"`
}

func (v *Value) toWire() (*wireValue, error) {
	w := &wireValue{Kind: v.kind, TZ: v.tzOffset}

	switch v.kind {
	case KindNull:
		return w, nil
	case KindOptional:
		if v.inner == nil {
			w.InnerNull = true
			return w, nil
		}
		inner, err := v.inner.toWire()
		if err != nil {
			return nil, err
		}
		w.Inner = inner
		return w, nil
	case KindList, KindTuple:
		w.Items = make([]*wireValue, len(v.items))
		for i, it := range v.items {
			iw, err := it.toWire()
			if err != nil {
				return nil, err
			}
			w.Items[i] = iw
		}
		return w, nil
	case KindDict:
		w.Pairs = make([]wirePair, len(v.dict))
		for i, e := range v.dict {
			k, err := e.Key.toWire()
			if err != nil {
				return nil, err
			}
			val, err := e.Val.toWire()
			if err != nil {
				return nil, err
			}
			w.Pairs[i] = wirePair{Key: k, Val: val}
		}
		return w, nil
	case KindStruct:
		w.Fields = make([]wireField, len(v.fields))
		for i, f := range v.fields {
			fv, err := f.Val.toWire()
			if err != nil {
				return nil, err
			}
			w.Fields[i] = wireField{Name: f.Name, Val: fv}
		}
		return w, nil
	case KindUUID:
		u := v.scalar.(UUID)
		w.UUID = &wireUUID{Low: &u.Low, High: &u.High}
		return w, nil
	case KindInterval:
		// Intervals travel as microsecond counts.
		d := v.scalar.(time.Duration)
		raw, err := json.Marshal(d.Microseconds())
		if err != nil {
			return nil, err
		}
		w.Scalar = raw
		return w, nil
	default:
		raw, err := json.Marshal(v.scalar)
		if err != nil {
			return nil, err
		}
		w.Scalar = raw
		return w, nil
	}
}

func fromWire(w *wireValue) (*Value, error) {
	switch w.Kind {
	case KindNull:
		return Null(), nil
	case KindOptional:
		if w.InnerNull || w.Inner == nil {
			return Optional(nil), nil
		}
		inner, err := fromWire(w.Inner)
		if err != nil {
			return nil, err
		}
		return Optional(inner), nil
	case KindList, KindTuple:
		items := make([]*Value, len(w.Items))
		for i, iw := range w.Items {
			it, err := fromWire(iw)
			if err != nil {
				return nil, err
			}
			items[i] = it
		}
		return &Value{kind: w.Kind, items: items}, nil
	case KindDict:
		entries := make([]DictEntry, len(w.Pairs))
		for i, p := range w.Pairs {
			k, err := fromWire(p.Key)
			if err != nil {
				return nil, err
			}
			val, err := fromWire(p.Val)
			if err != nil {
				return nil, err
			}
			entries[i] = DictEntry{Key: k, Val: val}
		}
		return Dict(entries...), nil
	case KindStruct:
		fields := make([]StructField, len(w.Fields))
		for i, f := range w.Fields {
			fv, err := fromWire(f.Val)
			if err != nil {
				return nil, err
			}
			fields[i] = StructField{Name: f.Name, Val: fv}
		}
		return Struct(fields...), nil
	case KindUUID:
		if w.UUID == nil || w.UUID.Low == nil || w.UUID.High == nil {
			return nil, fmt.Errorf("nexus/value: uuid wire value missing halves")
		}
		return UUIDValue(UUID{Low: *w.UUID.Low, High: *w.UUID.High}), nil
	default:
		return scalarFromWire(w)
	}
}

func scalarFromWire(w *wireValue) (*Value, error) {
	decode := func(target any) error {
		if w.Scalar == nil {
			return fmt.Errorf("nexus/value: kind %s wire value missing scalar", kindName(w.Kind))
		}
		return json.Unmarshal(w.Scalar, target)
	}

	switch w.Kind {
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case KindInt8:
		var i int8
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Int8(i), nil
	case KindInt16:
		var i int16
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Int16(i), nil
	case KindInt32:
		var i int32
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Int32(i), nil
	case KindInt64, KindDate, KindDatetime, KindTimestamp:
		var i int64
		if err := decode(&i); err != nil {
			return nil, err
		}
		return &Value{kind: w.Kind, scalar: i}, nil
	case KindUint8:
		var i uint8
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Uint8(i), nil
	case KindUint16:
		var i uint16
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Uint16(i), nil
	case KindUint32:
		var i uint32
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Uint32(i), nil
	case KindUint64:
		var i uint64
		if err := decode(&i); err != nil {
			return nil, err
		}
		return Uint64(i), nil
	case KindFloat:
		var f float32
		if err := decode(&f); err != nil {
			return nil, err
		}
		return Float(f), nil
	case KindDouble:
		var f float64
		if err := decode(&f); err != nil {
			return nil, err
		}
		return Double(f), nil
	case KindBytes, KindYSON:
		var b []byte
		if err := decode(&b); err != nil {
			return nil, err
		}
		return &Value{kind: w.Kind, scalar: b}, nil
	case KindText, KindJSON, KindJSONDocument, KindTzDate, KindTzDatetime, KindTzTimestamp:
		var s string
		if err := decode(&s); err != nil {
			return nil, err
		}
		return &Value{kind: w.Kind, scalar: s, tzOffset: w.TZ}, nil
	case KindInterval:
		var micros int64
		if err := decode(&micros); err != nil {
			return nil, err
		}
		return Interval(time.Duration(micros) * time.Microsecond), nil
	default:
		return nil, fmt.Errorf("nexus/value: unsupported wire kind %d", w.Kind)
	}
}

// MarshalJSON encodes the value in its wire shape.
func (v *Value) MarshalJSON() ([]byte, error) {
	w, err := v.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a value from its wire shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := fromWire(&w)
	if err != nil {
		return err
	}
	*v = *decoded
	return nil
}
