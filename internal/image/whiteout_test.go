package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOCIWhiteoutsToOverlay exercises the conversion end to end. Creating
// a character device and setting a trusted.* xattr both require
// CAP_MKNOD/root, so this skips on environments lacking that privilege
// rather than failing the suite.
func TestOCIWhiteoutsToOverlay(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("mknod/setxattr require root")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, whiteoutOpaqueDir), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, whiteoutPrefix+"removed"), nil, 0o644))

	require.NoError(t, ociWhiteoutsToOverlay(dir, 0, 0))

	_, err := os.Stat(filepath.Join(dir, "removed"))
	require.NoError(t, err)
}

func TestChownAllWalksTree(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("chown requires root for arbitrary uid/gid")
	}

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), []byte("x"), 0o644))

	require.NoError(t, chownAll(dir, 1000, 1000))
}
