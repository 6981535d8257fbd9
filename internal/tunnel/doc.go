// Package tunnel carries datagrams across a network path that only permits
// stream connections.
//
// The two halves are deployed on either side of the stream path:
//
//	UDP client -> Ingress -> stream tunnel -> Egress -> UDP destination
//
// The wire contract between them is one stream connection per request: the
// ingress writes the datagram and half-closes, the egress answers with
// exactly one reply datagram and closes. No length prefix or other framing is
// added, so either half interoperates with any peer that follows the same
// contract.
//
// # Sessions
//
// Every request is an independent session that owns exactly one stream
// connection. Sessions run concurrently; a failing session is abandoned
// without a retry and never affects the others. On the egress side each
// session also owns its own datagram socket, so a late reply to an earlier
// session can never be delivered as the answer to a later one.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package tunnel
