// Package errors provides coded, operator-facing errors for tetherd.
//
// Each error has a code (e.g., "T101") that maps to a short message, a
// longer explanation and a documentation URL. Call sites add detail and a
// suggestion:
//
//	err := errors.New("T103").
//	    WithDetail("listen address \"localhost\" has no port").
//	    WithSuggestion("Use host:port, e.g. \":2022\"")
//
//	errors.PrintError(err)
//	// ERROR T103: Invalid listen address
//	//
//	//   listen address "localhost" has no port
//	//
//	//   Hint: Use host:port, e.g. ":2022"
//	//
//	//   Learn more: https://tether.dev/docs/errors/T103
//
// # Error Categories
//
//   - config: the configuration file, .env or environment is unusable
//   - runtime: the daemon failed while serving
//   - cli: a command failed (probe, flags)
package errors
