// Package transport provides the connection layer underneath a tether
// server: accepting raw connections and moving framed messages over them.
//
// A Transport hands out one accepted Conn per Accept call and can be told to
// stop listening, which unblocks a pending Accept with ErrClosed. A Conn
// reads and writes whole protocol frames; framing over byte streams is done
// here so callers never see partial messages.
//
// Three transports are provided:
//
//   - TCP: frames over a plain TCP stream
//   - WebSocket: one frame per binary WebSocket message, served from a chi
//     router so it can be mounted next to other HTTP routes
//   - Memory: in-process connections over net.Pipe, for embedding and tests
package transport
