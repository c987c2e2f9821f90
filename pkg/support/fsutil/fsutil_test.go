package fsutil

import (
	"io"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "params.bin")

	require.NoError(t, WriteFileAtomic(filePath, 0644, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// A failed write leaves the previous contents and no temporary files behind.
	err = WriteFileAtomic(filePath, 0644, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("disk full")
	})
	require.Error(t, err)
	contents, err = os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, MustFileExists(dir))
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", dir)

	usr, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	home := usr.HomeDir
	dir, err = ReplaceTildeInDir("~/data")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), dir)
}
