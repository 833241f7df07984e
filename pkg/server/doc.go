// Package server provides the server side of Tether's session continuity.
//
// A Session is a logical client identified by an int64 id. The transport
// connection underneath a session can be replaced: a client that loses its
// connection dials again, sends its id, and the session continues on the new
// connection.
//
// # Architecture
//
//   - Server: accept loop over a transport.Transport plus the handshake
//     dispatcher
//   - SessionManager: registry of live sessions with id allocation and
//     shutdown
//   - Session: current connection, lifecycle state and recover generation
//   - SessionHandler: application callback that may veto new sessions
//   - Middleware: wraps handshake dispatch (metrics, tracing)
//
// # Handshake
//
// Every accepted connection sends exactly one ConnectRequest:
//
//  1. ClientID == protocol.NoClientID: the server checks the protocol
//     version, allocates an id, registers a Session, replies with a
//     ConnectResponse carrying the id and asks the SessionHandler to admit it.
//  2. Any other ClientID: the server looks the session up and calls
//     Session.Recover with the new connection. No reply is written. Unknown
//     ids are closed without a reply.
//
// A connection that fails the handshake is closed; the registry is left
// untouched.
//
// # Example Usage
//
//	tr := transport.NewTCP(":2022")
//	srv := server.New(tr, server.DefaultServerConfig().
//	    WithKey(key).
//	    WithHandler(server.SessionHandlerFunc(func(s *server.Session) bool {
//	        go serve(s)
//	        return true
//	    })))
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// Server, SessionManager and Session are safe for concurrent use. Close may
// be called while Run is active.
package server
