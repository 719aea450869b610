// Package transport carries radon packets between peers.
//
// # Wire format
//
// Every transport message is one JSON frame:
//
//	{"type": "AUTH", "data": {"publicKey": "<base64>"}}
//
// The type set is closed (AUTH, ACK, ROUTE_REQ, ROUTE_ADD, ROUTE_DEL,
// ERROR). [Decode] turns a frame into one of the typed variants
// ([AuthHello], [AuthChallenge], [AuthResponse], [Ack], [RouteRequest],
// [RouteTable], [RouteAdd], [RouteDel], [ErrorMessage]) so consumers can
// switch on the concrete type. Anything else is a [*DecodeError], after
// which the connection is dropped.
//
// # Links
//
// [Conn] is the link abstraction. [Dial] and [Listen] provide it over
// WebSocket text messages (default port 26104); [Pipe] provides an
// in-memory pair for tests and local wiring:
//
//	l, err := transport.Listen("0.0.0.0", transport.DefaultPort)
//	conn, err := l.Accept(ctx)
//	pkt, err := conn.ReadPacket()
package transport
