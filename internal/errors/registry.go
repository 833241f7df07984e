package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
	DocURL   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (T100-T119)
	// ============================================

	"T100": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The YAML configuration file could not be parsed.",
		DocURL:   "https://tether.dev/docs/errors/T100",
	},
	"T101": {
		Category: CategoryConfig,
		Message:  "Configuration file not found",
		Detail:   "The configuration file named with --config does not exist.",
		DocURL:   "https://tether.dev/docs/errors/T101",
	},
	"T102": {
		Category: CategoryConfig,
		Message:  "Missing pre-shared key",
		Detail:   "Every session is handed the pre-shared key; the daemon refuses to start without one.",
		DocURL:   "https://tether.dev/docs/errors/T102",
	},
	"T103": {
		Category: CategoryConfig,
		Message:  "Invalid listen address",
		Detail:   "Listen addresses must have the form host:port.",
		DocURL:   "https://tether.dev/docs/errors/T103",
	},
	"T104": {
		Category: CategoryConfig,
		Message:  "Invalid timeout",
		Detail:   "Timeouts must be positive durations.",
		DocURL:   "https://tether.dev/docs/errors/T104",
	},
	"T105": {
		Category: CategoryConfig,
		Message:  "Invalid transport",
		Detail:   "The transport must be one of tcp or websocket.",
		DocURL:   "https://tether.dev/docs/errors/T105",
	},
	"T106": {
		Category: CategoryConfig,
		Message:  "Invalid log setting",
		Detail:   "The log level must be debug, info, warn or error and the format text or json.",
		DocURL:   "https://tether.dev/docs/errors/T106",
	},
	"T107": {
		Category: CategoryConfig,
		Message:  "Invalid environment override",
		Detail:   "A TETHER_* environment variable could not be parsed.",
		DocURL:   "https://tether.dev/docs/errors/T107",
	},
	"T108": {
		Category: CategoryConfig,
		Message:  "Invalid id space",
		Detail:   "The largest client id must be positive.",
		DocURL:   "https://tether.dev/docs/errors/T108",
	},

	// ============================================
	// Runtime Errors (T120-T139)
	// ============================================

	"T120": {
		Category: CategoryRuntime,
		Message:  "Listen failed",
		Detail:   "The transport could not bind its listening address.",
		DocURL:   "https://tether.dev/docs/errors/T120",
	},
	"T121": {
		Category: CategoryRuntime,
		Message:  "Ran out of client ids",
		Detail:   "Every id in the configured space is live or retired. The daemon stops accepting.",
		DocURL:   "https://tether.dev/docs/errors/T121",
	},
	"T122": {
		Category: CategoryRuntime,
		Message:  "Admin server failed",
		Detail:   "The admin HTTP server stopped with an error.",
		DocURL:   "https://tether.dev/docs/errors/T122",
	},

	// ============================================
	// CLI Errors (T140-T159)
	// ============================================

	"T140": {
		Category: CategoryCLI,
		Message:  "Connection failed",
		Detail:   "Could not connect to the tether server.",
		DocURL:   "https://tether.dev/docs/errors/T140",
	},
	"T141": {
		Category: CategoryCLI,
		Message:  "Handshake failed",
		Detail:   "The server did not complete the new-session handshake.",
		DocURL:   "https://tether.dev/docs/errors/T141",
	},
	"T142": {
		Category: CategoryCLI,
		Message:  "Protocol version rejected",
		Detail:   "The server speaks a different protocol version.",
		DocURL:   "https://tether.dev/docs/errors/T142",
	},
	"T143": {
		Category: CategoryCLI,
		Message:  "Session not recovered",
		Detail:   "The server closed the connection after the recover request; the session id is unknown.",
		DocURL:   "https://tether.dev/docs/errors/T143",
	},
	"T144": {
		Category: CategoryCLI,
		Message:  "Key check failed",
		Detail:   "The session's key check value does not match the one derived from the given key, or the server has no key.",
		DocURL:   "https://tether.dev/docs/errors/T144",
	},
}
