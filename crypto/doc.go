// Package crypto implements the identity and authenticated-encryption
// primitives of the radon mesh.
//
// Every peer is identified by a Curve25519 key pair. The public half, in
// its base64 form, is the peer's address on the mesh; the private half
// never leaves the process.
//
// # Identity
//
// A key pair is obtained once per process from a key store, which loads
// the persisted private key or generates and persists a new one:
//
//	store := crypto.NewFileKeyStore(path)
//	keys, err := store.Obtain()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.Public)
//
// [EncryptedKeyStore] offers the same contract with the key sealed at rest
// under a passphrase-derived AES-256-GCM key.
//
// # Channels
//
// A [Channel] binds the local private key to one remote public key and
// wraps NaCl box:
//
//	ch := crypto.NewChannel(keys, remote)
//	blob, _ := ch.Seal([]byte("hello"))
//	plain, err := ch.Open(blob) // ErrAuthFailure on any mismatch
//
// Sealed blobs are base64(nonce || box) so they can travel inside text frames.
package crypto
