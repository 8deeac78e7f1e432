package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads a YAML setting profile and overlays it onto the
// defaults. The file is a flat mapping of setting name to scalar:
//
//	UpdateFrequency: 20
//	InterpolationDelay: 0.15
func LoadProfile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings profile %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings profile %s: %w", path, err)
	}

	m := Defaults()
	for name, val := range raw {
		v, err := fromScalar(val)
		if err != nil {
			return nil, fmt.Errorf("settings profile %s: %s: %w", path, name, err)
		}
		m.Set(name, v)
	}
	return m, nil
}

func fromScalar(val any) (Value, error) {
	switch x := val.(type) {
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", val)
	}
}
