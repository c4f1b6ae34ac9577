package image

import (
	"encoding/base64"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// hashDir computes a directory's canonical content digest using
// golang.org/x/mod/sumdb/dirhash's Hash1 algorithm — the sorted,
// per-file SHA-256 convention Go itself uses to hash module trees,
// which is the "same order the helper library uses" this package's
// digest validation is built on. Hash1's own output is base64 with an
// "h1:" marker; since that's just an encoding of the final SHA-256 sum,
// it is re-encoded here as hex so directory and file digests share the
// "sha256:<hex>" notation OCI manifests use.
func hashDir(root string) (string, error) {
	files, err := listFiles(root)
	if err != nil {
		return "", err
	}

	open := func(name string) (io.ReadCloser, error) {
		return openForHash(filepath.Join(root, name))
	}

	h1, err := dirhash.Hash1(files, open)
	if err != nil {
		return "", &core.ErrFailed{Source: "dirhash.Hash1", Cause: err}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h1, "h1:"))
	if err != nil {
		return "", &core.ErrFailed{Source: "decode_dirhash_sum", Cause: err}
	}

	return sha256Prefix + hex.EncodeToString(raw), nil
}

// listFiles returns every non-directory path under root, relative to
// root, in sorted order. Hash1 also sorts the list it is given, so the
// result does not depend on the walk order.
func listFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, &core.ErrStorage{Operation: "walk_dir_for_hash", Cause: err}
	}

	sort.Strings(files)
	return files, nil
}

// openForHash opens a regular file for hashing; whiteout-converted
// character devices and symlinks can't be read as byte streams, so their
// content is stood in by a short marker built from the entry's mode and
// (for symlinks) target, keeping them part of the tree's digest without
// attempting to read from a device node.
func openForHash(path string) (io.ReadCloser, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	if info.Mode()&(fs.ModeSymlink|fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0 {
		target := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			target, _ = os.Readlink(path)
		}
		marker := info.Mode().String() + ":" + target
		return io.NopCloser(strings.NewReader(marker)), nil
	}

	return os.Open(path)
}
