package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/redock/internal/errors"
)

func TestReadUpload(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\n"), 0o750))

	contents, mode, err := readUpload(local, "")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(contents))
	assert.Equal(t, fs.FileMode(0o750), mode)

	_, mode, err = readUpload(local, "0600")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), mode)

	for _, bad := range []string{"rw", "0999", "17777"} {
		_, _, err = readUpload(local, bad)
		assert.True(t, errors.IsKind(err, errors.KindUsage), bad)
	}

	_, _, err = readUpload(dir, "")
	assert.True(t, errors.IsKind(err, errors.KindUsage))
	_, _, err = readUpload(filepath.Join(dir, "missing"), "")
	assert.True(t, errors.IsKind(err, errors.KindUsage))
}

func TestProvisionCommandsRegistered(t *testing.T) {
	for _, name := range []string{"exec", "upload", "install", "upgrade", "sync"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
