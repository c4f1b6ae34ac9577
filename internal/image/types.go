// Package image implements layer and service installation: digest
// validation, archive extraction, OCI-whiteout-to-overlay conversion and
// space-accounted atomic rename into content-addressed storage. Grounded
// on original_source/src/image/imagehandler.cpp.
package image

// LayerInfo describes a layer archive pending installation.
type LayerInfo struct {
	Digest string
	URL    string
	Sha256 []byte
	Size   uint64
}

// ServiceInfo describes a service archive pending installation.
type ServiceInfo struct {
	ServiceID string
	Version   string
	URL       string
	Sha256    []byte
	Size      uint64
	UID       uint32
	GID       uint32
}

// descriptor mirrors the subset of an OCI content descriptor this package
// reads off a manifest (digest plus, where present, size).
type descriptor struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size,omitempty"`
}

// imageManifest is the minimal OCI-ish image manifest shape the handler
// loads from manifest.json: a config descriptor, an optional Aos-specific
// service-config descriptor, and the layer chain (layers[0] is always the
// rootfs payload this handler manages).
type imageManifest struct {
	Config     descriptor   `json:"config"`
	AosService *descriptor  `json:"aosService,omitempty"`
	Layers     []descriptor `json:"layers"`
}
