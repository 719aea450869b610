// Package mesh is the radon protocol engine: the challenge-response
// handshake, the packet dispatcher and the connection supervisor that
// keeps links to routers alive and the routing table current.
//
// # Handshake
//
// A connector dials a router whose public key it already knows and sends
// AUTH{publicKey}. The router seals the base64 text of 32 random bytes for
// that key and sends AUTH{challenge}. The connector opens the challenge,
// seals the same text back and sends AUTH{encryptedResponse}. The router compares and answers
// ACK{success}. There is exactly one attempt per connection.
//
// # Routes
//
// When a router authenticates a peer it records itself as a route to that
// peer and sends ROUTE_ADD to every router it is linked with. When the
// last authenticated link to that peer drops it removes the route and
// sends ROUTE_DEL. A table push from an upstream replaces only what that
// upstream contributed earlier. A connector asks
// for the full table with ROUTE_REQ right after authenticating.
//
// # Supervision
//
//	node, err := mesh.New(cfg, identity)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = node.Start(ctx) // returns when ctx ends or the listener fails
//
// Each link is served by its own goroutine and its frames are handled in
// arrival order. Table mutations and the propagation they trigger happen
// under one lock; outbound writes are queued per link so that lock is
// never held across network I/O.
package mesh
