// Package config handles configuration loading for the gateway and
// agent binaries.
//
// # Overview
//
// Configuration is YAML with environment variable expansion and
// duration strings. Defaults are applied on load; validation reports
// the first failure.
//
// # Environment variable expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${STALL_JWT_SECRET}"
//
// An unset variable expands to an empty string, which the required-key
// validation then catches.
//
// # Gateway sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"      # channel + API share one listener
//	auth:
//	  jwt_secret: "${STALL_JWT_SECRET}"
//	dispatch:
//	  command_timeout: "30s"
//	  max_retries: 3
//	  retry_delay: "2s"
//	  breaker_failure_threshold: 5
//	  breaker_reset: "60s"
//	registry:
//	  liveness_window: "5m"
//	cleanup:
//	  sweep_interval: "1m"
//	  retention: "1h"
//
// # Agent sections
//
//	edge:
//	  gateway_url: "ws://gateway.example.com:8080/api/channel"
//	  tenant_id: "tenant-1"
//	  agent_id: "till-3"
//	  token: "${STALL_AGENT_TOKEN}"
//	  heartbeat_interval: "30s"
//	  offline_queue: true
//	  store_path: "/var/lib/stall/commands.db"
//	  max_queued_commands: 1000
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
// # Logging
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text (color), json
package config
