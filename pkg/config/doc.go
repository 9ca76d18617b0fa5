// Package config provides pipeline configuration for the dataflow engine.
//
// # Key Features
//
// - PipelineConfig: engine settings plus the named node graph
// - NodeConfig: kind, plugin URN, opaque plugin config, output port wiring
// - Environment variable substitution with ${VAR_NAME} and ${VAR_NAME:-default}
// - Strict decoding of the file, automatic defaults and field-level validation
// - Strict decoding of plugin config blobs with DecodePluginConfig
//
// # Usage
//
// ## Loading a Pipeline
//
//	cfg, err := config.LoadPipeline("pipeline.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Pipeline File
//
//	engine:
//	  mode: partitioned
//	  channel_capacity: 256
//	  drain_timeout: 5s
//	nodes:
//	  gen:
//	    kind: receiver
//	    plugin_urn: urn:otel:fake_data_generator:receiver
//	    config:
//	      batch_size: 100
//	    out_ports:
//	      out:
//	        destinations: [sink]
//	        dispatch_strategy: round_robin
//	  sink:
//	    kind: exporter
//	    plugin_urn: urn:otel:noop:exporter
//
// ## Plugin Configuration
//
//	type batchConfig struct {
//		SendBatchSize int           `yaml:"send_batch_size"`
//		Timeout       time.Duration `yaml:"timeout"`
//	}
//
//	var cfg batchConfig
//	if err := config.DecodePluginConfig(node.Config, &cfg); err != nil {
//		return err
//	}
//
// ## Environment Variable Substitution
//
// Any ${VAR_NAME} in the file is replaced with the value of the environment
// variable before parsing, and ${VAR_NAME:-default} falls back to default
// when the variable is unset or empty. Unset variables without a default
// become empty strings.
package config
