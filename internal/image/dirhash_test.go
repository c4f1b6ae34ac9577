package image

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDirDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("beta"), 0o644))

	digest1, err := hashDir(dir)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(digest1, sha256Prefix))

	digest2, err := hashDir(dir)
	require.NoError(t, err)
	require.Equal(t, digest1, digest2)
}

func TestHashDirChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))

	before, err := hashDir(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644))

	after, err := hashDir(dir)
	require.NoError(t, err)

	require.NotEqual(t, before, after)
}

func TestHashDirIgnoresDirectoryNamesThemselves(t *testing.T) {
	dirA := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dirA, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "nested", "f.txt"), []byte("x"), 0o644))

	dirB := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dirB, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "nested", "f.txt"), []byte("x"), 0o644))

	hashA, err := hashDir(dirA)
	require.NoError(t, err)
	hashB, err := hashDir(dirB)
	require.NoError(t, err)

	require.Equal(t, hashA, hashB)
}
