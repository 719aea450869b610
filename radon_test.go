package radon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/radon/config"
	"github.com/opd-ai/radon/crypto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.KeyFile = filepath.Join(t.TempDir(), "keys", "pk.bin")
	return cfg
}

func TestNewCreatesAndReusesKey(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(cfg)
	require.NoError(t, err)

	info, err := os.Stat(cfg.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
	assert.Equal(t, config.ModeNode, second.Mode())
}

func TestNewWithPassphrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Passphrase = "correct horse"

	first, err := New(cfg)
	require.NoError(t, err)

	again, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), again.PublicKey())

	cfg.Passphrase = "battery staple"
	_, err = New(cfg)
	assert.ErrorIs(t, err, crypto.ErrKeyFormat)
}

func TestNewWithIdentity(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cfg := testConfig(t)
	r, err := New(cfg, WithIdentity(kp))
	require.NoError(t, err)
	assert.Equal(t, kp.Public, r.PublicKey())

	_, err = os.Stat(cfg.KeyFile)
	assert.True(t, os.IsNotExist(err), "key file untouched")

	require.NoError(t, r.Close())
	assert.Equal(t, [32]byte{}, kp.Private)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryBase = 0

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-r.Node().Ready()
	assert.Equal(t, 0, r.Routes().Len())
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
