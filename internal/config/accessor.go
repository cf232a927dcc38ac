package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Config paths are the json field names joined by dots, for example
// "stream.ttlSeconds" or "wecom.accounts.sales.token". Map keys are taken
// literally; the base account fields of wecom and tim sit directly under the
// section name.

// GetByPath returns the value at path. Unset optional blocks read as nil.
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range splitPath(path) {
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, nil
			}
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByName(v, key)
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			v = f
		case reflect.Map:
			e := v.MapIndex(reflect.ValueOf(key))
			if !e.IsValid() {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			v = e
		default:
			return nil, fmt.Errorf("%s: %s is a %s, not a section", path, key, v.Kind())
		}
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	return v.Interface(), nil
}

// SetByPath parses raw according to the type of the field at path and
// stores it. Intermediate map entries and optional blocks are created as
// needed. On error cfg is left unchanged.
func SetByPath(cfg *Config, path, raw string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	next, err := clone(cfg)
	if err != nil {
		return err
	}
	if err := assign(reflect.ValueOf(next).Elem(), parts, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = *next
	return nil
}

func assign(v reflect.Value, parts []string, raw string) error {
	if len(parts) == 0 {
		return setScalar(v, raw)
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return assign(v.Elem(), parts, raw)
	case reflect.Struct:
		f, ok := fieldByName(v, parts[0])
		if !ok {
			return fmt.Errorf("unknown key %q", parts[0])
		}
		return assign(f, parts[1:], raw)
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		key := reflect.ValueOf(parts[0])
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(key); cur.IsValid() {
			elem.Set(cur)
		}
		if err := assign(elem, parts[1:], raw); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
		return nil
	}
	return fmt.Errorf("%s has no key %q", v.Kind(), parts[0])
}

// setScalar converts raw to the kind of v. Strings are stored verbatim, so a
// numeric token stays a string.
func setScalar(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.Pointer:
		elem := reflect.New(v.Type().Elem())
		if err := setScalar(elem.Elem(), raw); err != nil {
			return err
		}
		v.Set(elem)
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", raw)
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("expected a number, got %q", raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot set a list of %s", v.Type().Elem())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("%s is a section; set one of its keys", v.Type())
	}
	return nil
}

// fieldByName finds the struct field whose json name is key, looking
// through embedded structs.
func fieldByName(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf)
		if sf.Anonymous && name == "" {
			if f, ok := fieldByName(v.Field(i), key); ok {
				return f, true
			}
			continue
		}
		if name == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	if name == "" && !sf.Anonymous {
		return sf.Name
	}
	return name
}

func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// clone deep-copies cfg through its JSON form.
func clone(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	out, err := clone(cfg)
	if err != nil {
		return cfg
	}
	maskAccount(&out.WeCom.WeComAccountConfig)
	for id, acct := range out.WeCom.Accounts {
		maskAccount(&acct)
		out.WeCom.Accounts[id] = acct
	}
	out.TIM.UserSig = maskSecret(out.TIM.UserSig)
	for id, acct := range out.TIM.Accounts {
		acct.UserSig = maskSecret(acct.UserSig)
		out.TIM.Accounts[id] = acct
	}
	return out
}

func maskAccount(a *WeComAccountConfig) {
	a.Token = maskSecret(a.Token)
	a.EncodingAESKey = maskSecret(a.EncodingAESKey)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskString(s)
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable leaf with its current value. Unset
// optional blocks and empty account maps are left out.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collectPaths("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collectPaths(prefix string, v reflect.Value, out map[string]any) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			collectPaths(prefix, v.Elem(), out)
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			sf := t.Field(i)
			name := jsonName(sf)
			if !sf.IsExported() || name == "-" {
				continue
			}
			if sf.Anonymous && name == "" {
				collectPaths(prefix, v.Field(i), out)
				continue
			}
			collectPaths(joinPath(prefix, name), v.Field(i), out)
		}
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectPaths(joinPath(prefix, k), v.MapIndex(reflect.ValueOf(k)), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
