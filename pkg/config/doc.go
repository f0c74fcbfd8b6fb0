// Package config loads the skiff configuration file.
//
// The file is YAML and is read from --config, then SKIFF_CONFIG, then
// /etc/skiff/skiff.yaml. Values are applied on top of DefaultConfig, so a file only needs
// the settings it changes:
//
//	max_procs: 50
//	ssh:
//	  user: deploy
//	  priv: ~/.ssh/id_ed25519
//	  sudo: true
//	  timeout: 30s
//	  backend: native
//	thin_dir: /var/tmp/.skiff
//	file_roots:
//	  base: [/srv/skiff]
//	  dev: [/srv/skiff-dev]
//	roster_file: /etc/skiff/roster
//	policy_paths: [/etc/skiff/policies]
//	policy_watch: true
//	job_cache: /var/cache/skiff/jobs.db
//	job_cache_keep: 24h
//	output: nested
//	telemetry:
//	  metrics:
//	    listen_address: 127.0.0.1:9152
//
// Struct tags are checked with go-playground/validator and the telemetry section with
// telemetry.Config.Validate. Defaults returns the connection parameters merged into
// every roster target that does not set its own.
package config
