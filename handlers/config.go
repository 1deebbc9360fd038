package handlers

import (
	"github.com/mitchellh/mapstructure"
)

// mapstructureDecode decodes a raw config map with weak typing, so
// numbers arriving as float64 (JSON) or strings (YAML anchors, env
// substitution) still land in int/string fields.
func mapstructureDecode(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
