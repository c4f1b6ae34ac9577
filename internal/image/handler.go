package image

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const (
	blobsFolder  = "blobs"
	manifestFile = "manifest.json"
	tmpRootFSDir = "tmprootfs"

	digestCacheSize = 256
)

// Handler installs layer and service archives into content-addressed
// storage, grounded end to end on
// original_source/src/image/imagehandler.cpp.
type Handler struct {
	layerAllocator   SpaceAllocator
	serviceAllocator SpaceAllocator
	uid              uint32
	logger           *slog.Logger

	// digestCache remembers recently validated blob digests, keyed by blob
	// path, so a blob already checked by this Handler is not re-hashed when
	// a later manifest validation references it again. It is held in
	// memory only and starts empty on every process start.
	digestCache *lru.Cache[string, string]
}

// New constructs a Handler. uid is the default owner applied to
// whiteout-converted device nodes when a service doesn't specify its own.
func New(layerAllocator, serviceAllocator SpaceAllocator, uid uint32, logger *slog.Logger) (*Handler, error) {
	cache, err := lru.New[string, string](digestCacheSize)
	if err != nil {
		return nil, &core.ErrRuntime{Component: "image.Handler", Cause: err}
	}

	return &Handler{
		layerAllocator:   layerAllocator,
		serviceAllocator: serviceAllocator,
		uid:              uid,
		logger:           logger,
		digestCache:      cache,
	}, nil
}

// InstallLayer validates the archive, extracts it to a scratch dir sized
// against the layer allocator, then extracts the inner payload named by
// the manifest's config digest into its final content-addressed path,
// converts OCI whiteouts to overlay form, and releases the scratch
// reservation. Returns the final install path and the space handle sized
// to the installed payload.
func (h *Handler) InstallLayer(ctx context.Context, archivePath, installBasePath string, layer LayerInfo) (string, Space, error) {
	if err := checkFileInfo(archivePath, layer.Size, layer.Sha256); err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(installBasePath, 0o755); err != nil {
		return "", nil, &core.ErrStorage{Operation: "mkdir_install_base", Cause: err}
	}

	extractDir, err := os.MkdirTemp(installBasePath, "extract-")
	if err != nil {
		return "", nil, &core.ErrStorage{Operation: "mktemp_extract_dir", Cause: err}
	}
	defer os.RemoveAll(extractDir)

	archiveSize, err := unpackedArchiveSize(archivePath)
	if err != nil {
		return "", nil, err
	}

	space, err := h.layerAllocator.AllocateSpace(ctx, archiveSize)
	if err != nil {
		return "", nil, err
	}

	if err := unpackArchive(archivePath, extractDir); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	manifest, err := loadManifest(filepath.Join(extractDir, manifestFile))
	if err != nil {
		space.Release(ctx)
		return "", nil, &core.ErrFailed{Source: "load_layer_manifest", Cause: err}
	}

	alg, hexPart := parseDigest(manifest.Config.Digest)
	installDir := filepath.Join(installBasePath, alg, hexPart)
	embeddedArchive := filepath.Join(extractDir, hexPart)

	payloadSize, err := unpackedArchiveSize(embeddedArchive)
	if err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	if err := space.Resize(ctx, payloadSize); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	if err := unpackArchive(embeddedArchive, installDir); err != nil {
		space.Release(ctx)
		return "", nil, &core.ErrFailed{Source: "unpack_layer_payload", Cause: err}
	}

	if err := ociWhiteoutsToOverlay(installDir, 0, 0); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	h.logger.Debug("layer installed", "src", archivePath, "dst", installDir, "size", space.Size())

	return installDir, space, nil
}

// InstallService validates the archive, unpacks it into a fresh install
// dir, validates every blob the manifest references exists and hashes
// correctly, then prepares the rootfs (unpack layers[0], chown, whiteout
// conversion, re-hash, atomic rename into its final content-addressed
// path — the commit point).
func (h *Handler) InstallService(ctx context.Context, archivePath, installBasePath string, service ServiceInfo) (string, Space, error) {
	h.logger.Debug("installing service", "archive", archivePath, "installBasePath", installBasePath, "serviceID", service.ServiceID)

	if err := checkFileInfo(archivePath, service.Size, service.Sha256); err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(installBasePath, 0o755); err != nil {
		return "", nil, &core.ErrStorage{Operation: "mkdir_install_base", Cause: err}
	}

	installDir, err := os.MkdirTemp(installBasePath, "install-")
	if err != nil {
		return "", nil, &core.ErrStorage{Operation: "mktemp_install_dir", Cause: err}
	}

	unpackedSize, err := unpackedArchiveSize(archivePath)
	if err != nil {
		os.RemoveAll(installDir)
		return "", nil, err
	}

	space, err := h.serviceAllocator.AllocateSpace(ctx, unpackedSize)
	if err != nil {
		os.RemoveAll(installDir)
		return "", nil, err
	}

	if err := unpackArchive(archivePath, installDir); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	manifest, err := loadManifest(filepath.Join(installDir, manifestFile))
	if err != nil {
		space.Release(ctx)
		return "", nil, &core.ErrFailed{Source: "load_service_manifest", Cause: err}
	}

	if err := h.validateManifest(installDir, manifest); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	if err := h.prepareServiceFS(ctx, installDir, service, manifest, space); err != nil {
		space.Release(ctx)
		return "", nil, err
	}

	h.logger.Debug("service installed", "src", archivePath, "dst", installDir, "size", space.Size())

	return installDir, space, nil
}

// ValidateService re-validates an already installed service directory
// against its own manifest.json.
func (h *Handler) ValidateService(path string) error {
	manifest, err := loadManifest(filepath.Join(path, manifestFile))
	if err != nil {
		return &core.ErrFailed{Source: "load_service_manifest", Cause: err}
	}
	return h.validateManifest(path, manifest)
}

// CalculateDigest hashes path (file or directory) with SHA-256.
func (h *Handler) CalculateDigest(path string) (string, error) {
	digest, err := calculateDigest(path)
	if err != nil {
		return "", err
	}
	h.logger.Debug("calculated digest", "path", path, "digest", digest)
	return digest, nil
}

func (h *Handler) validateManifest(root string, manifest *imageManifest) error {
	if err := h.validateDigestCached(root, manifest.Config.Digest); err != nil {
		return err
	}

	if manifest.AosService != nil {
		if err := h.validateDigestCached(root, manifest.AosService.Digest); err != nil {
			return err
		}
		if err := h.validateServiceConfig(root, manifest.AosService.Digest); err != nil {
			return err
		}
	}

	if len(manifest.Layers) == 0 {
		return &core.ErrInvalidArgument{Field: "manifest.layers", Reason: "no layers found"}
	}

	return h.validateDigestCached(root, manifest.Layers[0].Digest)
}

func (h *Handler) validateDigestCached(root, digest string) error {
	path := blobPath(root, digest)
	if cached, ok := h.digestCache.Get(path); ok && cached == digest {
		return nil
	}

	if err := validateDigest(root, digest); err != nil {
		return err
	}

	h.digestCache.Add(path, digest)
	return nil
}

func (h *Handler) validateServiceConfig(root, digest string) error {
	path := blobPath(root, digest)
	var config map[string]interface{}
	data, err := os.ReadFile(path)
	if err != nil {
		return &core.ErrNotFound{Resource: "service_config", Key: path}
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return &core.ErrFailed{Source: "unmarshal_service_config", Cause: err}
	}
	return nil
}

// prepareServiceFS unpacks layers[0]'s rootfs archive, removes the
// archive blob, chowns and whiteout-converts the tree, re-hashes it, and
// renames it into place under its new content-addressed path — the
// commit point for InstallService.
func (h *Handler) prepareServiceFS(ctx context.Context, baseDir string, service ServiceInfo, manifest *imageManifest, space Space) error {
	h.logger.Debug("preparing service rootfs", "baseDir", baseDir, "service", service.ServiceID)

	rootFSArchive := blobPath(baseDir, manifest.Layers[0].Digest)
	tmpRootFS := filepath.Join(baseDir, tmpRootFSDir)

	archiveInfo, err := os.Stat(rootFSArchive)
	if err != nil {
		return &core.ErrNotFound{Resource: "rootfs_archive", Key: rootFSArchive}
	}
	archiveSize := uint64(archiveInfo.Size())

	unpackedSize, err := unpackedArchiveSize(rootFSArchive)
	if err != nil {
		return err
	}

	if err := space.Resize(ctx, space.Size()+unpackedSize); err != nil {
		return err
	}

	if err := unpackArchive(rootFSArchive, tmpRootFS); err != nil {
		return &core.ErrFailed{Source: "unpack_rootfs", Cause: err}
	}

	if err := os.RemoveAll(rootFSArchive); err != nil {
		return &core.ErrStorage{Operation: "remove_rootfs_archive", Cause: err}
	}

	if err := space.Resize(ctx, space.Size()-archiveSize); err != nil {
		return err
	}

	uid := service.UID
	if uid == 0 {
		uid = h.uid
	}

	if err := chownAll(tmpRootFS, uid, service.GID); err != nil {
		return &core.ErrFailed{Source: "chown_service_rootfs", Cause: err}
	}

	if err := ociWhiteoutsToOverlay(tmpRootFS, uid, service.GID); err != nil {
		return err
	}

	rootFSHash, err := hashDir(tmpRootFS)
	if err != nil {
		return &core.ErrFailed{Source: "hash_service_rootfs", Cause: err}
	}

	alg, hexPart := parseDigest(rootFSHash)
	installPath := filepath.Join(baseDir, blobsFolder, alg, hexPart)

	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return &core.ErrStorage{Operation: "mkdir_rootfs_parent", Cause: err}
	}

	if err := os.Rename(tmpRootFS, installPath); err != nil {
		return &core.ErrFailed{Source: "rename_rootfs_into_place", Cause: err}
	}

	manifest.Layers[0].Digest = rootFSHash

	if err := saveManifest(filepath.Join(baseDir, manifestFile), manifest); err != nil {
		return &core.ErrFailed{Source: "save_manifest", Cause: err}
	}

	return nil
}

func loadManifest(path string) (*imageManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ErrNotFound{Resource: "manifest", Key: path}
	}

	var manifest imageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &core.ErrFailed{Source: "unmarshal_manifest", Cause: err}
	}
	return &manifest, nil
}

func saveManifest(path string, manifest *imageManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return &core.ErrFailed{Source: "marshal_manifest", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &core.ErrStorage{Operation: "write_manifest", Cause: err}
	}
	return nil
}
