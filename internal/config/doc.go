// Package config handles configuration loading for relaygate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. Load applies defaults and returns the
// first validation failure.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAYGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relaygate/gateway.yaml
//  3. ~/.config/relaygate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	plugins:
//	  - name: auth
//	    type: auth
//	    auth:
//	      secret: "${RELAYGATE_TOKEN_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  shutdown_timeout: "15s"
//
// # Plugins and Pipeline
//
// Plugins are declared once by name and type, then listed by name in the
// pipeline section in execution order. A plugin that handles more than one
// event class (cache, latency) is listed under each class it should run in:
//
//	plugins:
//	  - name: auth
//	    type: auth
//	    auth: {secret: "${SECRET}", strict: false}
//	  - name: limit
//	    type: ratelimit
//	    ratelimit: {requests: 10, interval: "1s"}
//	  - name: cache
//	    type: cache
//	    cache: {key_field: "location", ttl: "1h"}
//
//	pipeline:
//	  connection: [auth]
//	  request: [limit, cache]
//	  response: [cache]
package config
