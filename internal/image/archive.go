package image

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"

	archive "github.com/moby/go-archive"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// unpackArchive extracts source (gzip-or-plain tar, auto-detected) into
// destination, creating destination first. Ownership recorded in the
// archive is not applied (NoLchown); whiteout conversion and any chown happen as a separate
// pass afterward, matching the original implementation's UnpackArchive +
// OCIWhiteoutsToOverlay split.
func unpackArchive(source, destination string) error {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return &core.ErrStorage{Operation: "mkdir_extract_dest", Cause: err}
	}

	f, err := os.Open(source)
	if err != nil {
		return &core.ErrNotFound{Resource: "archive", Key: source}
	}
	defer f.Close()

	if err := archive.Untar(f, destination, &archive.TarOptions{NoLchown: true}); err != nil {
		return &core.ErrFailed{Source: "untar", Cause: err}
	}
	return nil
}

// unpackedArchiveSize sums the file sizes recorded in source's tar
// headers without extracting it, so the space allocator can be sized
// before any bytes land on disk. There is no header-scan-only helper in
// moby/go-archive's Untar surface, so this reads headers directly via
// the standard library's archive/tar + compress/gzip (gzip is
// auto-detected the same way unpackArchive's Untar call detects it).
func unpackedArchiveSize(source string) (uint64, error) {
	f, err := os.Open(source)
	if err != nil {
		return 0, &core.ErrNotFound{Resource: "archive", Key: source}
	}
	defer f.Close()

	var r io.Reader = f
	if gz, err := gzip.NewReader(f); err == nil {
		defer gz.Close()
		r = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, &core.ErrFailed{Source: "seek_archive", Cause: err}
		}
	}

	var total uint64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, &core.ErrFailed{Source: "read_tar_header", Cause: err}
		}
		if hdr.Typeflag == tar.TypeReg {
			total += uint64(hdr.Size)
		}
	}
	return total, nil
}
