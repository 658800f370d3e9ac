package config

import (
	"reflect"
	"strings"

	"github.com/spf13/pflag"
)

// fieldInfo describes one scalar config field discovered by walking the
// Config struct.
type fieldInfo struct {
	configPath string // e.g. "server.addr"
	flagName   string // e.g. "server-addr"
	usage      string
	kind       reflect.Kind
}

// flagFields walks Config and collects every scalar field that carries a
// usage tag. Slices and maps are file-only; they make no sense as flags.
func flagFields() []fieldInfo {
	var fields []fieldInfo
	walkStruct(reflect.TypeOf(Config{}), "", &fields)
	return fields
}

func walkStruct(t reflect.Type, parentPath string, fields *[]fieldInfo) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		tag := field.Tag.Get("koanf")
		if tag == "" || tag == "-" {
			continue
		}

		path := tag
		if parentPath != "" {
			path = parentPath + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		switch ft.Kind() {
		case reflect.Struct:
			walkStruct(ft, path, fields)
		case reflect.Slice, reflect.Map:
			continue
		default:
			if usage := field.Tag.Get("usage"); usage != "" {
				*fields = append(*fields, fieldInfo{
					configPath: path,
					flagName:   flagName(path),
					usage:      usage,
					kind:       ft.Kind(),
				})
			}
		}
	}
}

// flagName converts "storage.redis.key_prefix" to
// "storage-redis-key-prefix".
func flagName(configPath string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(configPath)
}

// RegisterFlags registers a flag for every scalar config field.
func RegisterFlags(flagSet *pflag.FlagSet) {
	for _, field := range flagFields() {
		if flagSet.Lookup(field.flagName) != nil {
			continue
		}
		switch field.kind {
		case reflect.String:
			flagSet.String(field.flagName, "", field.usage)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			flagSet.Int(field.flagName, 0, field.usage)
		case reflect.Bool:
			flagSet.Bool(field.flagName, false, field.usage)
		case reflect.Float32, reflect.Float64:
			flagSet.Float64(field.flagName, 0, field.usage)
		}
	}
}

// flagMapping maps flag names back to config paths, for the loader.
func flagMapping() map[string]string {
	mapping := make(map[string]string)
	for _, field := range flagFields() {
		mapping[field.flagName] = field.configPath
	}
	return mapping
}
