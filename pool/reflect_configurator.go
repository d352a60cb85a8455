package pool

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// BackendConfigurator translates backend-agnostic DatasourceConfig
// properties plus a free-form property bag into whatever shape a specific
// backend driver expects (a DSN string, a driver-specific Config struct,
// session-init statements, ...). Concrete backends register one; anything
// without a dedicated configurator falls back to ReflectConfigurator.
type BackendConfigurator interface {
	// Name identifies the backend this configurator targets (e.g. "mysql").
	Name() string

	// BuildDSN produces the driver DSN from the resolved properties.
	BuildDSN(cfg DatasourceConfig, props map[string]string) (string, error)
}

// configuratorRegistry holds the small set of backends OJP has a dedicated
// configurator for; anything else uses ReflectConfigurator.
var configuratorRegistry = map[string]BackendConfigurator{}

// RegisterBackendConfigurator adds a dedicated configurator, overriding the
// reflective fallback for that backend name.
func RegisterBackendConfigurator(c BackendConfigurator) {
	configuratorRegistry[c.Name()] = c
}

// ResolveConfigurator returns the dedicated configurator for driverName if
// one was registered, else a ReflectConfigurator driven by props.
func ResolveConfigurator(driverName string) BackendConfigurator {
	if c, ok := configuratorRegistry[driverName]; ok {
		return c
	}
	return &ReflectConfigurator{driverName: driverName}
}

// ReflectConfigurator is the generic fallback: it builds a DSN by walking
// a driver-supplied Config struct via reflection and setting exported
// fields whose name (case-insensitively) matches a key in props. This lets
// OJP drive an arbitrary backend's Config type without a hand-written
// adapter, at the cost of silently ignoring unknown property names.
type ReflectConfigurator struct {
	driverName string

	// NewConfig, when set, returns a zero-value Config struct pointer for
	// the backend driver (e.g. func() any { return mysql.NewConfig() }).
	// FormatDSN, when set, turns the populated struct back into a DSN
	// string (e.g. func(c any) string { return c.(*mysql.Config).FormatDSN() }).
	NewConfig func() any
	FormatDSN func(any) string
}

func (r *ReflectConfigurator) Name() string { return r.driverName }

func (r *ReflectConfigurator) BuildDSN(cfg DatasourceConfig, props map[string]string) (string, error) {
	if r.NewConfig == nil || r.FormatDSN == nil {
		// No driver Config type known: the caller is expected to have
		// passed a complete DSN already.
		if cfg.DSN == "" {
			return "", fmt.Errorf("reflect configurator %s: no driver config type registered and no literal DSN supplied", r.driverName)
		}
		return cfg.DSN, nil
	}

	target := reflect.ValueOf(r.NewConfig())
	if target.Kind() != reflect.Ptr || target.Elem().Kind() != reflect.Struct {
		return "", fmt.Errorf("reflect configurator %s: NewConfig must return a pointer to struct", r.driverName)
	}
	elem := target.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		raw, ok := lookupCaseInsensitive(props, field.Name)
		if !ok {
			continue
		}
		if err := setField(elem.Field(i), raw); err != nil {
			return "", fmt.Errorf("reflect configurator %s: field %s: %w", r.driverName, field.Name, err)
		}
	}

	return r.FormatDSN(target.Interface()), nil
}

func lookupCaseInsensitive(props map[string]string, name string) (string, bool) {
	if v, ok := props[name]; ok {
		return v, true
	}
	lower := strings.ToLower(name)
	for k, v := range props {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}

func setField(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
