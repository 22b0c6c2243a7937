package orm

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"time"
)

// =====================================
// Reflection Helpers
// =====================================

var (
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
)

// fieldByIndex returns the addressable field of a struct pointer.
func fieldByIndex(entity any, index []int) reflect.Value {
	return reflect.ValueOf(entity).Elem().FieldByIndex(index)
}

// columnValue converts a field into the value written to a column:
// nil pointers become nil and other pointers are dereferenced.
func columnValue(v reflect.Value) any {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(valuerType) {
			return v.Interface()
		}
		v = v.Elem()
	}
	return v.Interface()
}

// assignValue stores a database value into dst, converting between the
// representations drivers commonly return and the field's Go type.
func assignValue(dst reflect.Value, src any) error {
	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(src)
	}

	sv := reflect.ValueOf(src)
	for sv.Kind() == reflect.Ptr {
		if sv.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if sv.Type().AssignableTo(dst.Type()) {
			dst.Set(sv)
			return nil
		}
		sv = sv.Elem()
	}

	if dst.Kind() == reflect.Ptr {
		elem := reflect.New(dst.Type().Elem())
		if err := assignValue(elem.Elem(), sv.Interface()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	st := sv.Type()
	dt := dst.Type()
	switch {
	case st.AssignableTo(dt):
		dst.Set(sv)
		return nil
	case st == bytesType && dt.Kind() == reflect.String:
		dst.SetString(string(sv.Bytes()))
		return nil
	case st.Kind() == reflect.String && dt == bytesType:
		dst.SetBytes([]byte(sv.String()))
		return nil
	case isNumber(st.Kind()) && dt.Kind() == reflect.Bool:
		dst.SetBool(!sv.IsZero())
		return nil
	case isNumber(st.Kind()) && isNumber(dt.Kind()):
		dst.Set(sv.Convert(dt))
		return nil
	case st.Kind() == reflect.String && dt.Kind() == reflect.String:
		dst.Set(sv.Convert(dt))
		return nil
	case st.Kind() == reflect.String && dt == timeType:
		t, err := parseTime(sv.String())
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case st.ConvertibleTo(dt) && st.Kind() == dt.Kind():
		dst.Set(sv.Convert(dt))
		return nil
	}
	return fmt.Errorf("cannot convert %s to %s", st, dt)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// normalizeID maps identifiers onto a canonical comparable form so that
// int(5) and int64(5) name the same row.
func normalizeID(id any) any {
	if id == nil {
		return nil
	}
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return normalizeID(v.Elem().Interface())
	case reflect.Slice:
		if v.Type() == bytesType {
			return string(v.Bytes())
		}
	}
	return id
}

// isZeroID reports whether an identifier is unset.
func isZeroID(id any) bool {
	if id == nil {
		return true
	}
	return reflect.ValueOf(id).IsZero()
}

// deepCopy copies mutable values so later mutation of the entity does not
// leak into a snapshot.
func deepCopy(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return append([]byte(nil), x...)
	case time.Time:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	}
	return v
}

// valuesEqual compares attribute values with type-aware semantics.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}

// initialVersion returns the version stored for a freshly persisted entity.
func initialVersion(t reflect.Type, current any) any {
	if t == timeType || (t.Kind() == reflect.Ptr && t.Elem() == timeType) {
		return time.Now()
	}
	if isZeroID(current) {
		return 1
	}
	return current
}

// nextVersion returns the version following current.
func nextVersion(current any) any {
	switch v := current.(type) {
	case time.Time:
		return time.Now()
	case nil:
		return 1
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int() + 1
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()) + 1
		}
	}
	return current
}

// sameInstance compares two entity references by identity.
func sameInstance(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
