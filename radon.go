package radon

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/radon/config"
	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/mesh"
	"github.com/opd-ai/radon/routing"
)

// Radon is a configured peer ready to run.
type Radon struct {
	cfg      *config.Config
	identity *crypto.KeyPair
	node     *mesh.Node
}

// Option customizes New.
type Option func(*options)

type options struct {
	identity *crypto.KeyPair
	store    crypto.Obtainer
	mesh     []mesh.Option
}

// WithIdentity uses kp instead of reading the key file.
func WithIdentity(kp *crypto.KeyPair) Option {
	return func(o *options) { o.identity = kp }
}

// WithKeyStore obtains the identity from s instead of the configured key file.
func WithKeyStore(s crypto.Obtainer) Option {
	return func(o *options) { o.store = s }
}

// WithMeshOptions passes options through to the mesh node.
func WithMeshOptions(opts ...mesh.Option) Option {
	return func(o *options) { o.mesh = append(o.mesh, opts...) }
}

// New validates cfg and loads (or creates) the local identity.
func New(cfg *config.Config, opts ...Option) (*Radon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	identity := o.identity
	if identity == nil {
		kp, err := obtainIdentity(cfg, o.store)
		if err != nil {
			return nil, err
		}
		identity = kp
	}

	node, err := mesh.New(cfg, identity, o.mesh...)
	if err != nil {
		return nil, err
	}

	return &Radon{cfg: cfg, identity: identity, node: node}, nil
}

func obtainIdentity(cfg *config.Config, store crypto.Obtainer) (*crypto.KeyPair, error) {
	if store == nil {
		if cfg.Passphrase != "" {
			es, err := crypto.NewEncryptedKeyStore(cfg.KeyFile, []byte(cfg.Passphrase))
			if err != nil {
				return nil, err
			}
			defer es.Close()
			store = es
		} else {
			store = crypto.NewFileKeyStore(cfg.KeyFile)
		}
	}

	kp, err := store.Obtain()
	if err != nil {
		return nil, fmt.Errorf("obtain identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "obtainIdentity",
		"package":   "radon",
		"key_file":  cfg.KeyFile,
		"encrypted": cfg.Passphrase != "",
	}).WithFields(crypto.SecureFieldHash(kp.Public[:], "public_key")).Debug("Identity loaded")

	return kp, nil
}

// Run starts the mesh and blocks until ctx is cancelled or the listener
// fails. A cancelled run returns ctx.Err().
func (r *Radon) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Run",
		"package":    "radon",
		"mode":       r.cfg.Mode,
		"port":       r.cfg.Port,
		"routers":    len(r.cfg.Routers),
		"public_key": r.identity.Public.String(),
	}).Info("Starting radon")

	return r.node.Start(ctx)
}

// PublicKey returns the local identity.
func (r *Radon) PublicKey() crypto.PublicKey {
	return r.identity.Public
}

// Mode returns the configured mode.
func (r *Radon) Mode() config.Mode {
	return r.node.Mode()
}

// Routes returns the routing table.
func (r *Radon) Routes() *routing.Table {
	return r.node.Table()
}

// Node exposes the underlying mesh node.
func (r *Radon) Node() *mesh.Node {
	return r.node
}

// Close wipes the private key from memory. r cannot be run afterwards.
func (r *Radon) Close() error {
	return crypto.WipeKeyPair(r.identity)
}
