package config

import (
	"bytes"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/dfengine/pkg/errors"
)

// LoadPipeline reads, substitutes, defaults and validates a pipeline file
func LoadPipeline(filePath string) (*PipelineConfig, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: the pipeline path is operator input
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read pipeline file").
			WithDetail("file", filePath)
	}
	cfg, err := ParsePipeline(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pipeline file").
			WithDetail("file", filePath)
	}
	return cfg, nil
}

// ParsePipeline is LoadPipeline for in-memory YAML. Unknown top-level and
// engine keys are rejected; plugin config blobs are left to their plugin.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid pipeline")
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} with the variable's value and ${VAR:-default}
// with the default when VAR is unset or empty. Unset variables without a
// default become empty strings.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v := os.Getenv(string(m[1])); v != "" {
			return []byte(v)
		}
		return m[3]
	})
}
