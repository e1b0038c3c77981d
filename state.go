package cowverse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
)

const digestPrefix = "sha256:"

// Digest identifies a canonical state encoding (e.g., "sha256:abc123...").
type Digest string

// State is the versioned payload of a universe. Values are expected to be
// JSON-like: maps, slices and scalars.
type State map[string]any

// AsState converts an arbitrary update payload into a State. Anything that
// is not a string-keyed mapping is rejected with ErrInvalidUpdate.
func AsState(v any) (State, error) {
	switch m := v.(type) {
	case State:
		if m == nil {
			return nil, ErrInvalidUpdate
		}
		return m, nil
	case map[string]any:
		if m == nil {
			return nil, ErrInvalidUpdate
		}
		return State(m), nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidUpdate, v)
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case State:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	case string, bool, int, int64, float64:
		return t
	default:
		return copyValue(reflect.ValueOf(v)).Interface()
	}
}

// copyValue deep-copies typed containers such as []int, map[string]int,
// pointers and structs while preserving their Go types. Unexported struct
// fields are copied shallowly.
func copyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(copyValue(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(copyValue(v.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if f := out.Field(i); f.CanSet() {
				f.Set(copyValue(v.Field(i)))
			}
		}
		return out
	default:
		return v
	}
}

// encodeState returns the canonical encoding of s. encoding/json sorts map
// keys, which makes the output stable for equal states.
func encodeState(s State) ([]byte, error) {
	if s == nil {
		s = State{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: state is not serializable: %v", ErrInvalidArgument, err)
	}
	return data, nil
}

func digestOf(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(digestPrefix + hex.EncodeToString(h[:]))
}

// stateDepth returns the nesting depth of s. A flat state has depth 1.
func stateDepth(s State) int {
	return depth(map[string]any(s))
}

func depth(v any) int {
	var children []any
	switch t := v.(type) {
	case State:
		return depth(map[string]any(t))
	case map[string]any:
		for _, vv := range t {
			children = append(children, vv)
		}
	case []any:
		children = t
	case []byte:
		return 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map:
			iter := rv.MapRange()
			for iter.Next() {
				children = append(children, iter.Value().Interface())
			}
		case reflect.Slice, reflect.Array:
			for i := range rv.Len() {
				children = append(children, rv.Index(i).Interface())
			}
		case reflect.Pointer:
			if rv.IsNil() {
				return 0
			}
			return depth(rv.Elem().Interface())
		default:
			return 0
		}
	}
	deepest := 0
	for _, c := range children {
		if d := depth(c); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}
