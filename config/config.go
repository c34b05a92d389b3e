// Package config loads configuration structs from YAML files and environment
// variables.
//
// Sources are layered in order: YAML files, then environment variables. Keys
// come from `koanf` struct tags. Environment variable names follow the
// pattern:
//
//	{Prefix}_{SECTION}__{FIELD}
//
// where every nesting level is separated by a double underscore:
//
//	GOSTREAM_BROKER=kafka
//	GOSTREAM_CONSUMER__MAX_TRIES=5
//	GOSTREAM_KAFKA__BROKERS=kafka-1:9092,kafka-2:9092
//	GOSTREAM_CONSUMER__HANDLE_TIMEOUT=30s
//
// Fields absent from every source keep the value they had before Load, so
// defaults are set by initialising dst.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader reads YAML files and environment variables into configuration
// structs.
type Loader struct {
	// Prefix for environment variable names.
	// Default: "GOSTREAM".
	Prefix string

	// Files are YAML files loaded in order before the environment.
	// Missing files are an error.
	Files []string
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return "GOSTREAM"
	}
	return strings.ToUpper(l.Prefix)
}

// Load populates the struct pointed to by dst.
func (l Loader) Load(dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}

	k := koanf.New(".")
	for _, path := range l.Files {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	prefix := l.prefix() + "_"
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return fmt.Errorf("config: env overlay: %w", err)
	}

	if err := k.Unmarshal("", dst); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	return nil
}

// Keys returns the environment variable names that [Loader.Load] would read
// for the given config struct. The dst parameter may be a struct value or a
// pointer to a struct.
func (l Loader) Keys(dst any) []string {
	v := reflect.ValueOf(dst)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return collectKeys(l.prefix()+"_", v.Type())
}

// Load populates dst from the environment using prefix "GOSTREAM".
func Load(dst any) error {
	return Loader{}.Load(dst)
}

// Keys returns env var names using prefix "GOSTREAM".
func Keys(dst any) []string {
	return Loader{}.Keys(dst)
}

func collectKeys(prefix string, t reflect.Type) []string {
	var keys []string
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := tagName(field)
		if name == "-" {
			continue
		}
		key := prefix + strings.ToUpper(name)

		if field.Type == durationType {
			keys = append(keys, key)
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			keys = append(keys, collectKeys(key+"__", field.Type)...)
			continue
		}

		if isSupportedKind(field.Type) {
			keys = append(keys, key)
		}
	}
	return keys
}

func tagName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("koanf"); ok {
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			return name
		}
	}
	return toSnake(field.Name)
}

func isSupportedKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	}
	return false
}

// toSnake converts a Go CamelCase field name to snake_case.
//
//	BufferSize     → buffer_size
//	URLPath        → url_path
//	HTTPClient     → http_client
func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prev := runes[i-1]
			if isLower(prev) || isDigit(prev) {
				b.WriteRune('_')
			} else if isUpper(prev) && i+1 < len(runes) && isLower(runes[i+1]) {
				b.WriteRune('_')
			}
		}
		if isUpper(r) {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
