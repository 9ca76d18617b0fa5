package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodePluginConfig decodes a node's opaque config blob into a plugin-owned
// struct. Fields are matched on their yaml tags, duration strings such as
// "200ms" are accepted, and unknown keys are rejected so typos surface at
// build time instead of being silently ignored.
func DecodePluginConfig(raw map[string]any, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if raw == nil {
		return nil
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode plugin config: %w", err)
	}
	return nil
}
