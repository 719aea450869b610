// Package config holds the static configuration of a radon peer: its mode,
// where it listens, where its key lives and which routers it meshes with.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/transport"
)

// Mode selects whether a peer authenticates others and holds routes.
type Mode string

const (
	// ModeNode is a leaf peer: it dials routers but authenticates nobody.
	ModeNode Mode = "node"
	// ModeRouter authenticates peers and holds and propagates routes.
	ModeRouter Mode = "router"
)

// ParseMode accepts "node" or "router" in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNode, ModeRouter:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want node or router)", s)
}

func (m Mode) String() string {
	return string(m)
}

// KnownRouter is one bootstrap entry.
type KnownRouter struct {
	Address   string           `yaml:"address"`
	Port      int              `yaml:"port,omitempty"`
	PublicKey crypto.PublicKey `yaml:"public_key"`
}

// Config is the full peer configuration.
type Config struct {
	Mode             Mode          `yaml:"mode"`
	ListenAddress    string        `yaml:"listen_address"`
	Port             int           `yaml:"port"`
	Listen           bool          `yaml:"listen"`
	KeyFile          string        `yaml:"key_file"`
	Passphrase       string        `yaml:"passphrase,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryIncrement   time.Duration `yaml:"retry_increment"`
	Routers          []KnownRouter `yaml:"known_routers"`
}

// Default returns a node-mode configuration with the stock timings.
func Default() *Config {
	keyFile, err := crypto.DefaultKeyPath()
	if err != nil {
		keyFile = "pk.bin"
	}

	return &Config{
		Mode:             ModeNode,
		ListenAddress:    "0.0.0.0",
		Port:             transport.DefaultPort,
		KeyFile:          keyFile,
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      10 * time.Second,
		RetryBase:        time.Second,
		RetryIncrement:   time.Second,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"package":  "config",
		"path":     path,
		"routers":  len(cfg.Routers),
	}).Debug("Configuration loaded")

	return cfg, nil
}

// Validate checks the configuration for values the mesh cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.KeyFile == "" {
		errs = append(errs, errors.New("key_file is required"))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, errors.New("retry_base must be positive"))
	}
	if c.RetryIncrement < 0 {
		errs = append(errs, errors.New("retry_increment must not be negative"))
	}
	for i, r := range c.Routers {
		if r.Address == "" {
			errs = append(errs, fmt.Errorf("known_routers[%d]: address is required", i))
		}
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("known_routers[%d]: port %d out of range", i, r.Port))
		}
		if r.PublicKey.IsZero() {
			errs = append(errs, fmt.Errorf("known_routers[%d]: public_key is required", i))
		}
	}

	return errors.Join(errs...)
}

// KnownRouters returns the bootstrap list with default ports filled in.
func (c *Config) KnownRouters() []KnownRouter {
	out := make([]KnownRouter, len(c.Routers))
	for i, r := range c.Routers {
		if r.Port == 0 {
			r.Port = transport.DefaultPort
		}
		out[i] = r
	}
	return out
}

// ShouldListen reports whether the peer accepts inbound links.
func (c *Config) ShouldListen() bool {
	return c.Mode == ModeRouter || c.Listen
}
