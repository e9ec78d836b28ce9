package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Settings are addressed by dotted json names, e.g. "poll.intervalSeconds".
// Fields tagged secret:"true" are masked by Sanitize.

// GetByPath returns the value at path. A section path returns the whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := resolve(cfg, path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the field at path. The change is applied only
// if the resulting config still passes Validate.
func SetByPath(cfg *Config, path, raw string) error {
	next := *cfg
	v, err := resolve(&next, path)
	if err != nil {
		return err
	}
	if v.Kind() == reflect.Struct {
		return fmt.Errorf("%s is a section; set one of its fields", path)
	}
	if err := assign(v, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// Sanitize returns a copy of cfg with every secret field masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	walk(reflect.ValueOf(&out).Elem(), "", func(_ string, v reflect.Value, f reflect.StructField) {
		if f.Tag.Get("secret") == "true" && v.String() != "" {
			v.SetString(mask(v.String()))
		}
	})
	return &out
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	walk(reflect.ValueOf(cfg).Elem(), "", func(path string, v reflect.Value, _ reflect.StructField) {
		out[path] = v.Interface()
	})
	return out
}

func resolve(cfg *Config, path string) (reflect.Value, error) {
	v := reflect.ValueOf(cfg).Elem()
	if strings.TrimSpace(path) == "" {
		return v, fmt.Errorf("empty config path")
	}
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("unknown config path %q", path)
		}
		i := fieldIndex(v.Type(), key)
		if i < 0 {
			return reflect.Value{}, fmt.Errorf("unknown config path %q", path)
		}
		v = v.Field(i)
	}
	return v, nil
}

func fieldIndex(t reflect.Type, key string) int {
	for i := range t.NumField() {
		if name := jsonName(t.Field(i)); name != "" && name == key {
			return i
		}
	}
	return -1
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// walk calls fn for every leaf field below v.
func walk(v reflect.Value, prefix string, fn func(path string, v reflect.Value, f reflect.StructField)) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name := jsonName(f)
		if name == "" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if fv := v.Field(i); fv.Kind() == reflect.Struct {
			walk(fv, path, fn)
		} else {
			fn(path, fv, f)
		}
	}
}

func assign(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("want an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		list := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, s := range items {
			list.Index(i).SetString(s)
		}
		v.Set(list)
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
