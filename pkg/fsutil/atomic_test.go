package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkit/vaultkit/pkg/fsutil"
)

func TestAtomicWrite_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")
	data := []byte(`{"machine_id": "abc"}`)

	err := fsutil.AtomicWrite(path, data, 0644)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestAtomicWrite_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")
	os.WriteFile(path, []byte("old"), 0644)

	err := fsutil.AtomicWrite(path, []byte("new"), 0644)
	require.NoError(t, err)

	content, _ := os.ReadFile(path)
	assert.Equal(t, "new", string(content))
}

func TestAtomicWrite_NoTmpLeftOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")
	fsutil.AtomicWrite(path, []byte("data"), 0644)

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1, "only the target file should exist")
}

func TestAtomicWrite_RenameFailureKeepsTmp(t *testing.T) {
	dir := t.TempDir()
	// a non-empty directory at the target path makes rename fail
	path := filepath.Join(dir, "lock.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0755))

	err := fsutil.AtomicWrite(path, []byte("data"), 0644)
	require.Error(t, err)

	tmps, err := fsutil.ListTemp(dir)
	require.NoError(t, err)
	assert.Len(t, tmps, 1)
}

func TestAtomicWrite_MissingDir(t *testing.T) {
	dir := t.TempDir()
	err := fsutil.AtomicWrite(filepath.Join(dir, "missing", "lock.json"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	os.WriteFile(src, []byte("data"), 0644)

	require.NoError(t, fsutil.CopyFile(src, dst, 0644))
	content, _ := os.ReadFile(dst)
	assert.Equal(t, "data", string(content))
	assert.FileExists(t, src)

	// refuses to clobber
	assert.Error(t, fsutil.CopyFile(src, dst, 0644))
}

func TestSweepTemp(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, fsutil.TempPrefix+"old")
	fresh := filepath.Join(dir, fsutil.TempPrefix+"fresh")
	other := filepath.Join(dir, "lock.json")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := fsutil.SweepTemp(dir, 10*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestSweepTemp_MissingDir(t *testing.T) {
	n, err := fsutil.SweepTemp(filepath.Join(t.TempDir(), "nope"), time.Minute, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFsyncDir(t *testing.T) {
	dir := t.TempDir()
	err := fsutil.FsyncDir(dir)
	assert.NoError(t, err)
}
