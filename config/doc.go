// Package config loads the tssub daemon configuration.
//
// Configuration files are JSON (.json) or YAML (.yaml, .yml). A Loader starts
// from Default, decodes each layer on top of the previous one so later layers
// only override the keys they set, applies TSSUB_* environment overrides and
// optionally validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Durations may be written as strings ("2s", "500ms") in both formats.
//
// Sinks are enabled individually; a sink section with "enabled": false (or no
// section at all) is ignored:
//
//	sinks:
//	  file:
//	    enabled: true
//	    path: /var/lib/tssub/measurements.jsonl
//	  nats:
//	    enabled: true
//	    subject_prefix: tsstream
package config
