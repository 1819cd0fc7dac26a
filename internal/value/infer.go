package value

import (
	"fmt"
	"reflect"
	"time"
)

// Infer maps a plain Go value onto the closest typed Value: bool->Bool;
// int->Int32;
// float->Double; string->Text; time.Time->Datetime (TzDatetime when it
// carries a zone other than UTC or Local); []byte->Bytes;
// map[K]V->Dict; a slice whose items all infer to Struct->List<Struct>,
// any other slice->Tuple; a struct->Struct; int64/uint64 map to
// Int64/Uint64 directly.
func Infer(v any) (*Value, error) {
	if v == nil {
		return nil, fmt.Errorf("nexus/value: cannot infer a type for nil (use value.Optional for nullable cells)")
	}
	switch x := v.(type) {
	case *Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Int32(int32(x)), nil
	case int8:
		return Int8(x), nil
	case int16:
		return Int16(x), nil
	case int32:
		return Int32(x), nil
	case int64:
		return Int64(x), nil
	case uint:
		return Uint32(uint32(x)), nil
	case uint8:
		return Uint8(x), nil
	case uint16:
		return Uint16(x), nil
	case uint32:
		return Uint32(x), nil
	case uint64:
		return Uint64(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Double(x), nil
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(x), nil
	case time.Time:
		if x.Location() != time.UTC && x.Location() != nil && x.Location().String() != "" && x.Location() != time.Local {
			return TzDatetime(x), nil
		}
		return Datetime(x), nil
	case UUID:
		return UUIDValue(x), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		entries := make([]DictEntry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := Infer(iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			val, err := Infer(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			entries = append(entries, DictEntry{Key: k, Val: val})
		}
		return Dict(entries...), nil
	case reflect.Slice, reflect.Array:
		items := make([]*Value, rv.Len())
		allStructLike := rv.Len() > 0
		for i := 0; i < rv.Len(); i++ {
			it, err := Infer(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			items[i] = it
			if it.Kind() != KindStruct {
				allStructLike = false
			}
		}
		if allStructLike {
			return List(items...), nil
		}
		return Tuple(items...), nil
	case reflect.Struct:
		t := rv.Type()
		fields := make([]StructField, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			val, err := Infer(rv.Field(i).Interface())
			if err != nil {
				return nil, err
			}
			fields = append(fields, StructField{Name: f.Name, Val: val})
		}
		return Struct(fields...), nil
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, fmt.Errorf("nexus/value: cannot infer a type for a nil pointer (use value.Optional)")
		}
		return Infer(rv.Elem().Interface())
	}

	return nil, fmt.Errorf("nexus/value: cannot infer a type for %T", v)
}

// ToGo converts a Value back into its plain Go representation, the
// inverse of Infer for the scalar kinds.
func ToGo(v *Value) any {
	if v == nil {
		return nil
	}
	switch v.kind {
	case KindInt32:
		i, _ := v.scalar.(int32)
		return int(i)
	case KindDate:
		days, _ := v.scalar.(int64)
		return time.Unix(days*86400, 0).UTC()
	case KindDatetime:
		secs, _ := v.scalar.(int64)
		return time.Unix(secs, 0).UTC()
	case KindTimestamp:
		micros, _ := v.scalar.(int64)
		return time.UnixMicro(micros).UTC()
	default:
		return v.Raw()
	}
}
