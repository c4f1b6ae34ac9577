package image

import (
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const (
	whiteoutPrefix    = ".wh."
	whiteoutOpaqueDir = ".wh..wh..opq"
)

// ociWhiteoutsToOverlay walks path converting OCI whiteout markers into
// the character-device/xattr form overlayfs expects, per
// original_source/src/image/imagehandler.cpp's OCIWhiteoutsToOverlay:
// a ".wh..wh..opq" file marks its parent directory opaque via the
// trusted.overlay.opaque xattr, and a ".wh.<name>" file becomes a
// major=0,minor=0 character device named <name> in the same directory.
func ociWhiteoutsToOverlay(root string, uid, gid uint32) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		base := d.Name()
		dir := filepath.Dir(path)

		if base == whiteoutOpaqueDir {
			if err := unix.Setxattr(dir, "trusted.overlay.opaque", []byte("y"), 0); err != nil {
				return &core.ErrFailed{Source: "setxattr_overlay_opaque", Cause: err}
			}
			return nil
		}

		if strings.HasPrefix(base, whiteoutPrefix) {
			target := filepath.Join(dir, base[len(whiteoutPrefix):])

			if err := unix.Mknod(target, unix.S_IFCHR, 0); err != nil {
				return &core.ErrFailed{Source: "mknod_whiteout_device", Cause: err}
			}
			if err := unix.Chown(target, int(uid), int(gid)); err != nil {
				return &core.ErrFailed{Source: "chown_whiteout_device", Cause: err}
			}
			return nil
		}

		return nil
	})
}

// chownAll recursively chowns root and everything under it to (uid,
// gid), matching the original implementation's common::utils::ChangeOwner
// step ahead of whiteout conversion.
func chownAll(root string, uid, gid uint32) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return unix.Lchown(path, int(uid), int(gid))
	})
}
