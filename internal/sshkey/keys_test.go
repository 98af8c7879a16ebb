package sshkey

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_GeneratesOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssh")

	first, err := Ensure(dir, "redock@test")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, PrivateKeyFile), first.PrivatePath)
	assert.Equal(t, filepath.Join(dir, PublicKeyFile), first.PublicPath)

	info, err := os.Stat(first.PrivatePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	info, err = os.Stat(first.PublicPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	second, err := Ensure(dir, "redock@test")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestGenerate_PublicKeyFile(t *testing.T) {
	dir := t.TempDir()

	kp, err := Generate(dir, "redock@test")
	require.NoError(t, err)

	data, err := os.ReadFile(kp.PublicPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	assert.True(t, strings.HasPrefix(line, "ssh-ed25519 "), "public key = %q", line)
	assert.True(t, strings.HasSuffix(line, " redock@test"), "public key = %q", line)
	assert.True(t, strings.HasPrefix(line, kp.AuthorizedKey()))
	assert.True(t, strings.HasPrefix(kp.Fingerprint(), "SHA256:"))
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("not a key"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.False(t, os.IsNotExist(err))

	_, err = Ensure(dir, "")
	assert.Error(t, err, "a corrupt key must not be silently replaced")
}
