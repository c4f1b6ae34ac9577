package image

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(NewFixedAllocator("layers", 0), NewFixedAllocator("services", 0), 0, logger)
	require.NoError(t, err)
	return h
}

// writeTarGz writes a gzip-compressed tar archive at path containing the
// given relative-path -> content entries, creating any implied parent
// directories as explicit tar entries too.
func writeTarGz(t *testing.T, path string, files map[string][]byte) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	seenDirs := map[string]bool{}
	var writeDirs func(p string)
	writeDirs = func(p string) {
		dir := filepath.Dir(p)
		if dir == "." || dir == "/" || seenDirs[dir] {
			return
		}
		writeDirs(dir)
		seenDirs[dir] = true
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
	}

	for name, content := range files {
		writeDirs(name)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sha3Sum(b []byte) []byte {
	h := sha3.New256()
	h.Write(b)
	return h.Sum(nil)
}

func TestInstallLayerEndToEnd(t *testing.T) {
	dir := t.TempDir()

	payload := map[string][]byte{"data.txt": []byte("layer payload content")}
	embeddedPath := filepath.Join(dir, "embedded.tar.gz")
	writeTarGz(t, embeddedPath, payload)
	embeddedBytes, err := os.ReadFile(embeddedPath)
	require.NoError(t, err)
	configHex := sha256Hex([]byte("config-marker"))

	manifest := imageManifest{Config: descriptor{Digest: "sha256:" + configHex}}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	archivePath := filepath.Join(dir, "layer.tar.gz")
	writeTarGz(t, archivePath, map[string][]byte{
		"manifest.json": manifestJSON,
		configHex:       embeddedBytes,
	})

	archiveInfo, err := os.Stat(archivePath)
	require.NoError(t, err)
	archiveContent, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	h := newTestHandler(t)
	installBase := filepath.Join(dir, "install")

	installDir, space, err := h.InstallLayer(context.Background(), archivePath, installBase, LayerInfo{
		Size:   uint64(archiveInfo.Size()),
		Sha256: sha3Sum(archiveContent),
	})
	require.NoError(t, err)
	require.NotNil(t, space)

	installed, err := os.ReadFile(filepath.Join(installDir, "data.txt"))
	require.NoError(t, err)
	require.Equal(t, payload["data.txt"], installed)
}

func TestInstallServiceEndToEnd(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("service rootfs preparation chowns to uid/gid 0, which requires root")
	}

	dir := t.TempDir()

	rootfsFiles := map[string][]byte{"bin/app": []byte("#!/bin/sh\necho hi\n")}
	rootfsArchivePath := filepath.Join(dir, "rootfs.tar.gz")
	writeTarGz(t, rootfsArchivePath, rootfsFiles)
	rootfsBytes, err := os.ReadFile(rootfsArchivePath)
	require.NoError(t, err)
	rootfsHex := sha256Hex(rootfsBytes)

	configContent := []byte(`{"some":"config"}`)
	configHex := sha256Hex(configContent)

	manifest := imageManifest{
		Config: descriptor{Digest: "sha256:" + configHex},
		Layers: []descriptor{{Digest: "sha256:" + rootfsHex}},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	archivePath := filepath.Join(dir, "service.tar.gz")
	writeTarGz(t, archivePath, map[string][]byte{
		"manifest.json":                     manifestJSON,
		"blobs/sha256/" + configHex:         configContent,
		"blobs/sha256/" + rootfsHex:         rootfsBytes,
	})

	archiveInfo, err := os.Stat(archivePath)
	require.NoError(t, err)
	archiveContent, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	h := newTestHandler(t)
	installBase := filepath.Join(dir, "install")

	installDir, space, err := h.InstallService(context.Background(), archivePath, installBase, ServiceInfo{
		ServiceID: "svc1",
		Size:      uint64(archiveInfo.Size()),
		Sha256:    sha3Sum(archiveContent),
	})
	require.NoError(t, err)
	require.NotNil(t, space)

	require.NoError(t, h.ValidateService(installDir))

	var updated imageManifest
	data, err := os.ReadFile(filepath.Join(installDir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &updated))
	require.NotEqual(t, "sha256:"+rootfsHex, updated.Layers[0].Digest)

	installedApp := filepath.Join(installDir, blobsFolder)
	alg, hexPart := parseDigest(updated.Layers[0].Digest)
	content, err := os.ReadFile(filepath.Join(installedApp, alg, hexPart, "bin", "app"))
	require.NoError(t, err)
	require.Equal(t, rootfsFiles["bin/app"], content)
}
