package model

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

const (
	bundlePrefix = "bundles/"
	sourcePrefix = "sources/"
)

// CodeArtifact is one code step of a flow version that must be bundled before it can run.
type CodeArtifact struct {
	// StepName is the flow step that references the artifact.
	StepName string `json:"step_name"`
	// BundleName is derived from the source content, so a name always maps to the same bundle.
	BundleName string `json:"bundle_name"`
	// SourceFileID points at an uploaded archive in the file store.
	SourceFileID string `json:"source_file_id,omitempty"`
	// SourceDigest locates the archive in the remote store when no file id is set.
	SourceDigest string `json:"source_digest,omitempty"`
}

// RemoteBundlePath is the canonical object key of the built bundle.
func (a CodeArtifact) RemoteBundlePath() string {
	return bundlePrefix + a.BundleName + ".js"
}

// RemoteSourcePath is the object key of the source archive.
func (a CodeArtifact) RemoteSourcePath() string {
	return sourcePrefix + a.SourceDigest
}

// SourceRef describes where the source comes from, for error reporting.
func (a CodeArtifact) SourceRef() string {
	if a.SourceFileID != "" {
		return "file:" + a.SourceFileID
	}
	return a.RemoteSourcePath()
}

// BundleNameFor derives a bundle name from archive content.
func BundleNameFor(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File is an uploaded source archive held by the file store.
type File struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
	Data   []byte `json:"-"`
}
