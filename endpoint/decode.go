package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds the byte length of a decoded value when the
// field has no maxLength tag.
const defaultFieldLimit = 16 * 1024

// Unmarshal populates dst, a non-nil pointer to a struct, from r.
//
// Supported struct tags, in order of precedence:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: the first value of the query parameter
//   - `header:"name"`: r.Header.Get(name)
//   - `cookie:"name"`: the value of the named cookie
//
// An empty name defaults to the lowercased field name. Supported field
// kinds are string, bool, signed integers and []string (query only).
// A field with no data present is left unchanged. `maxLength:"n"` bounds
// the value length; the default is 16KB and 0 disables the check. Values
// that are too long or fail to parse yield a 400.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	query := r.URL.Query()
	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", err)
		}

		values, found := lookup(r, query, sf)
		if !found {
			continue
		}
		for _, val := range values {
			if limit > 0 && len(val) > limit {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s exceeds %d bytes", sf.Name, limit))
			}
		}
		if err := setField(root.Field(i), values); err != nil {
			return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s: %w", sf.Name, err))
		}
	}
	return nil
}

func tagName(sf reflect.StructField, key string) (string, bool) {
	tag, ok := sf.Tag.Lookup(key)
	if !ok || tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func lookup(r *http.Request, query map[string][]string, sf reflect.StructField) ([]string, bool) {
	if name, ok := tagName(sf, "path"); ok {
		if v := r.PathValue(name); v != "" {
			return []string{v}, true
		}
	}
	if name, ok := tagName(sf, "query"); ok {
		if vs, present := query[name]; present {
			return vs, true
		}
	}
	if name, ok := tagName(sf, "header"); ok {
		if vs := r.Header.Values(name); len(vs) > 0 {
			return vs, true
		}
	}
	if name, ok := tagName(sf, "cookie"); ok {
		if c, err := r.Cookie(name); err == nil {
			return []string{c.Value}, true
		}
	}
	return nil, false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: invalid maxLength %q on %s", tag, sf.Name)
	}
	return n, nil
}

func setField(f reflect.Value, values []string) error {
	if len(values) == 0 {
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(values[0])
	case reflect.Bool:
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(values[0], 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", f.Type())
		}
		f.Set(reflect.ValueOf(append([]string(nil), values...)).Convert(f.Type()))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}
