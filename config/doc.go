// Package config loads radar server configuration.
//
// A Loader starts from Default, deep-merges each file layer over it in
// order, applies RADAR_* environment overrides and optionally validates
// the result. Layers may be JSON or YAML, chosen by file extension.
// Durations are written as strings ("10s", "90s", "14d") or as nanoseconds.
//
//	loader := config.NewLoader()
//	loader.AddLayer("radar.yaml")
//	loader.AddLayer("radar.production.json") // overrides radar.yaml
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Only keys present in a layer override earlier values; lists such as
// nats.urls and resources are replaced wholesale.
//
// # Environment overrides
//
//	RADAR_BACKEND            memory | nats
//	RADAR_SERVER_HOST        listen host
//	RADAR_SERVER_PORT        listen port
//	RADAR_SENTRY_HOST_PORT   advertised host:port for the sentry
//	RADAR_NATS_URLS          comma-separated server URLs
//	RADAR_NATS_USERNAME, RADAR_NATS_PASSWORD, RADAR_NATS_TOKEN
//	RADAR_DISPATCH_WORKERS   store worker count
//	RADAR_METRICS_ENABLED, RADAR_METRICS_PORT
//
// # Resource types
//
// Without a resources list the built-in types apply: names starting with
// presence:/, status:/ and message:/. A configured list replaces them and
// is matched in order:
//
//	resources:
//	  - name: chat
//	    kind: message_list
//	    expression: "^message:/chat/"
//	    policy: {max_length: 500, max_persistence: 14d}
package config
