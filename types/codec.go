package types

import (
	"fmt"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// DecodeDefinition parses a workflow definition document produced by the
// graph editor. YAML is accepted alongside JSON since YAML is a strict
// superset for the shapes involved; format selects the decoder.
func DecodeDefinition(data []byte, format string) (Definition, error) {
	var def Definition
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("failed to decode yaml definition: %w", err)
		}
	case "json", "":
		if err := json.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("failed to decode json definition: %w", err)
		}
	default:
		return Definition{}, fmt.Errorf("unsupported definition format %q", format)
	}
	return def, nil
}

// EncodeDefinition serializes a definition as JSON.
func EncodeDefinition(def Definition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition %s: %w", def.ID, err)
	}
	return data, nil
}
