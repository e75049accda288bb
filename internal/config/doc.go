// Package config handles configuration loading for the agenthub gateway.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from AGENTHUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agenthub/gateway.yaml
//  3. ~/.config/agenthub/gateway.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${AGENTHUB_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # agent gRPC stream
//	  http_addr: "0.0.0.0:8080"    # API, WebSocket agents, health, metrics
//	tailscale:
//	  enabled: false
//	  hostname: "agenthub"
//	  auth_key: "${TS_AUTHKEY}"
//	database:
//	  path: ""                     # empty disables the durable directory
//	auth:
//	  jwt_secret: "${AGENTHUB_JWT_SECRET}"
//	  authorized_keys: []
//	agents:
//	  heartbeat_interval: "10s"
//	  send_timeout: "2s"
//	  outbound_buffer: 64
//	  max_malformed_per_second: 20
//	  max_relays_per_connection: 16  # agent-to-agent requests in flight
//	  discovery_timeout: "5s"
//	tasks:
//	  default_timeout: "60s"
//	  max_timeout: "10m"
//	  result_grace_period: "1m"
//	  tombstone_ttl: "10m"
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text or json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax and must be positive.
package config
