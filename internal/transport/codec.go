package transport

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// Integers travel as a tagged struct so they come back as integers instead
// of float64.
const (
	intTag   = "$int"
	bytesTag = "$bytes"
)

// encodeValue converts an operation argument or result to its wire form.
// Supported: nil, bool, integers, floats, strings, []byte, slices/arrays,
// maps with string keys, and fmt.Stringer as a last resort.
func encodeValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	switch x := v.(type) {
	case *structpb.Value:
		return x, nil
	case []byte:
		return tagged(bytesTag, base64.StdEncoding.EncodeToString(x)), nil
	case mgmt.ObjectName:
		return structpb.NewStringValue(x.String()), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return tagged(intTag, strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return tagged(intTag, strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return structpb.NewNumberValue(rv.Float()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		list := &structpb.ListValue{Values: make([]*structpb.Value, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			item, err := encodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			list.Values = append(list.Values, item)
		}
		return structpb.NewListValue(list), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", mgmt.ErrInvalidArgument, rv.Type().Key())
		}
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		fields := make(map[string]*structpb.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			item, err := encodeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			fields[iter.Key().String()] = item
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		return encodeValue(rv.Elem().Interface())
	}
	if s, ok := v.(fmt.Stringer); ok {
		return structpb.NewStringValue(s.String()), nil
	}
	return nil, fmt.Errorf("%w: cannot encode %T", mgmt.ErrInvalidArgument, v)
}

func tagged(tag, value string) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		tag: structpb.NewStringValue(value),
	}})
}

// decodeValue is the inverse of encodeValue. Integers decode as int64 (or
// uint64 when they do not fit), maps as map[string]any and lists as []any.
func decodeValue(v *structpb.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_ListValue:
		out := make([]any, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			d, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if len(fields) == 1 {
			if raw, ok := fields[intTag]; ok {
				return decodeInt(raw.GetStringValue())
			}
			if raw, ok := fields[bytesTag]; ok {
				b, err := base64.StdEncoding.DecodeString(raw.GetStringValue())
				if err != nil {
					return nil, fmt.Errorf("%w: bytes value: %w", mgmt.ErrInvalidArgument, err)
				}
				return b, nil
			}
		}
		out := make(map[string]any, len(fields))
		for key, item := range fields {
			d, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = d
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %T", mgmt.ErrInvalidArgument, k)
	}
}

func decodeInt(s string) (any, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: integer value %q", mgmt.ErrInvalidArgument, s)
	}
	return u, nil
}

func encodeList(values []any) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(values))}
	for _, v := range values {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, ev)
	}
	return list, nil
}

func decodeList(list *structpb.ListValue) ([]any, error) {
	if list == nil || len(list.GetValues()) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		d, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func stringList(values []string) *structpb.ListValue {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(values))}
	for _, s := range values {
		list.Values = append(list.Values, structpb.NewStringValue(s))
	}
	return list
}

func decodeStrings(list *structpb.ListValue) []string {
	if list == nil || len(list.GetValues()) == 0 {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}

func sortedNames(names []mgmt.ObjectName) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, n.String())
	}
	sort.Strings(out)
	return out
}
