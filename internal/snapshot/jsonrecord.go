package snapshot

import (
	"encoding/json"
	"os"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
)

// jsonManifest is the on-disk shape of the reference snapshot adapter:
// a JSON manifest naming the format version, mappings, and registers,
// plus the path to a sibling blob file holding the raw page bytes the
// mappings' BlobPhysOff values index into.
type jsonManifest struct {
	Format    string            `json:"format_version"`
	BlobFile  string            `json:"blob_file"`
	Mappings  []Mapping         `json:"mappings"`
	Registers map[string]uint64 `json:"registers"`
}

// JSONRecord is a Record backed by a JSON manifest and a raw blob file.
// It is the one concrete adapter this module ships; production sites
// with their own snapshot producer implement Record directly instead.
type JSONRecord struct {
	manifest jsonManifest
	blob     *os.File
}

// LoadJSONRecord reads manifestPath and opens its referenced blob file
// (resolved relative to manifestPath's directory when not absolute).
func LoadJSONRecord(manifestPath string) (*JSONRecord, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, kverrors.Conversion("snapshot_manifest", err.Error())
	}
	var m jsonManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, kverrors.Conversion("snapshot_manifest", err.Error())
	}
	blob, err := os.Open(resolveBlobPath(manifestPath, m.BlobFile))
	if err != nil {
		return nil, kverrors.Conversion("snapshot_blob", err.Error())
	}
	return &JSONRecord{manifest: m, blob: blob}, nil
}

func resolveBlobPath(manifestPath, blobFile string) string {
	if blobFile == "" || os.IsPathSeparator(blobFile[0]) {
		return blobFile
	}
	dir := manifestPath[:lastSlash(manifestPath)+1]
	return dir + blobFile
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return i
		}
	}
	return -1
}

func (r *JSONRecord) FormatVersion() string     { return r.manifest.Format }
func (r *JSONRecord) Mappings() []Mapping       { return r.manifest.Mappings }
func (r *JSONRecord) Registers() map[string]uint64 { return r.manifest.Registers }

func (r *JSONRecord) Read(physOff uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.blob.ReadAt(buf, int64(physOff))
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the open blob file handle.
func (r *JSONRecord) Close() error { return r.blob.Close() }
