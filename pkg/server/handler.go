package server

// SessionHandler is the application's admission policy. OnNewSession runs
// synchronously on the dispatching goroutine after the client has been sent
// its id. Returning false vetoes the session: it is shut down, deregistered
// and its connection closed.
//
// A handler that wants to serve the session's traffic should start its own
// goroutine and return promptly.
type SessionHandler interface {
	OnNewSession(s *Session) bool
}

// SessionHandlerFunc adapts a function to SessionHandler.
type SessionHandlerFunc func(s *Session) bool

// OnNewSession calls f(s).
func (f SessionHandlerFunc) OnNewSession(s *Session) bool {
	return f(s)
}
