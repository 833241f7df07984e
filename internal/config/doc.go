// Package config loads tetherd configuration.
//
// Values are layered, later sources winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML file, usually tether.yaml
//  3. Variables from .env files, which never override the real environment
//  4. TETHER_* environment variables
//
// # Configuration File Structure
//
//	listen: ":2022"
//	transport: tcp            # tcp | websocket
//	websocket_path: /_tether/ws
//	key_file: /etc/tether/key
//	handshake_timeout: 10s
//	write_timeout: 10s
//	accept_backoff: 1s
//	serial_handshakes: false
//	max_client_id: 9223372036854775807
//	admin:
//	  enabled: true
//	  listen: "127.0.0.1:9090"
//	log:
//	  level: info             # debug | info | warn | error
//	  format: text            # text | json
//	tracing: false
//
// # Environment
//
// Every field has a TETHER_ variable, e.g. TETHER_LISTEN, TETHER_KEY,
// TETHER_HANDSHAKE_TIMEOUT, TETHER_ADMIN_LISTEN, TETHER_LOG_LEVEL.
package config
