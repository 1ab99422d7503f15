package store

import (
	"reflect"
)

// Transform is a field value computed by the store at write time.
type Transform interface {
	apply(current any, now Timestamp) any
}

type arrayUnion struct{ values []any }

func (t arrayUnion) apply(current any, _ Timestamp) any {
	out := toSlice(current)
	for _, v := range t.values {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

type arrayRemove struct{ values []any }

func (t arrayRemove) apply(current any, _ Timestamp) any {
	in := toSlice(current)
	out := make([]any, 0, len(in))
	for _, v := range in {
		if !contains(t.values, v) {
			out = append(out, v)
		}
	}
	return out
}

type serverTimestamp struct{}

func (serverTimestamp) apply(_ any, now Timestamp) any { return now }

// ArrayUnion adds each value to an array field unless already present.
func ArrayUnion(values ...any) Transform { return arrayUnion{values: values} }

// ArrayRemove removes every occurrence of each value from an array field.
func ArrayRemove(values ...any) Transform { return arrayRemove{values: values} }

// ServerTimestamp is replaced by the store's clock when written.
func ServerTimestamp() Transform { return serverTimestamp{} }

// TransformValues exposes the operands of an array transform to backends that
// translate transforms into native operators.
func TransformValues(t Transform) []any {
	switch v := t.(type) {
	case arrayUnion:
		return v.values
	case arrayRemove:
		return v.values
	}
	return nil
}

// IsArrayUnion reports whether t was built by ArrayUnion.
func IsArrayUnion(t Transform) bool {
	_, ok := t.(arrayUnion)
	return ok
}

// IsArrayRemove reports whether t was built by ArrayRemove.
func IsArrayRemove(t Transform) bool {
	_, ok := t.(arrayRemove)
	return ok
}

// IsServerTimestamp reports whether t was built by ServerTimestamp.
func IsServerTimestamp(t Transform) bool {
	_, ok := t.(serverTimestamp)
	return ok
}

// Resolve returns a copy of data with every transform evaluated against an
// empty document.
func Resolve(data Data, now Timestamp) Data {
	return Merge(nil, data, now)
}

// Merge returns a copy of base with the fields of update applied on top.
func Merge(base, update Data, now Timestamp) Data {
	out := make(Data, len(base)+len(update))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, v := range update {
		if t, ok := v.(Transform); ok {
			out[k] = t.apply(out[k], now)
			continue
		}
		out[k] = Clone(v)
	}
	return out
}

// Clone deep-copies maps and slices so stored documents never alias caller
// memory. Slices become []any and maps become map[string]any.
func Clone(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Data:
		return cloneMap(x)
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	case string, bool, float64, int, int64, Timestamp:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Clone(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Clone(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Clone(rv.Elem().Interface())
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

func toSlice(v any) []any {
	if v == nil {
		return []any{}
	}
	if s, ok := Clone(v).([]any); ok {
		return s
	}
	return []any{}
}

func contains(list []any, v any) bool {
	for _, e := range list {
		if equal(e, v) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case float64:
		return x, true
	case Timestamp:
		return float64(x), true
	}
	return 0, false
}
