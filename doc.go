// Package radon runs a peer of the radon overlay mesh.
//
// A radon peer is either a node, which dials routers and learns the
// routing table, or a router, which additionally authenticates peers and
// tells the other routers it is connected to which peers it can reach.
// Peers are identified by Curve25519 public keys; the private key lives in
// a key file that is created on first start.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Mode = config.ModeRouter
//
//	r, err := radon.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("public key:", r.PublicKey())
//
//	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
//
// # Key files
//
// Without a passphrase the key file holds the raw 32-byte private key.
// With one it holds the key sealed with AES-GCM under a PBKDF2-derived
// key. Either file is created with mode 0600 on first start.
package radon
