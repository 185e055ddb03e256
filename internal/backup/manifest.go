package backup

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

const (
	manifestName     = "MANIFEST"
	manifestPrevName = "MANIFEST.prev"
)

// manifest is the authoritative list of sealed segments. It is replaced
// atomically (write temp, rename) on every change; the previous generation
// is kept so a compaction interrupted mid-rewrite can be rolled back.
type manifest struct {
	Sequence uint64        `json:"sequence"`
	Segments []SegmentMeta `json:"segments"`
}

// manifestFile wraps the manifest with a checksum over its encoded body so
// torn or tampered manifests are detected at load.
type manifestFile struct {
	Manifest manifest `json:"manifest"`
	Checksum uint32   `json:"checksum"`
}

func manifestChecksum(m manifest) (uint32, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return crc32.Checksum(raw, castagnoli), nil
}

func saveManifest(dir string, m manifest) error {
	sum, err := manifestChecksum(m)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(manifestFile{Manifest: m, Checksum: sum}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, manifestName)

	// Preserve the current generation before replacing it.
	if cur, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(filepath.Join(dir, manifestPrevName), cur, 0o644); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadManifestFile(path string) (manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	sum, err := manifestChecksum(mf.Manifest)
	if err != nil {
		return manifest{}, err
	}
	if sum != mf.Checksum {
		return manifest{}, fmt.Errorf("manifest checksum mismatch: %w", ErrIntegrity)
	}
	return mf.Manifest, nil
}

// loadManifest returns the current manifest, falling back to the previous
// generation when the current one is missing or fails its checksum. A
// missing pair yields an empty manifest.
func loadManifest(dir string) (manifest, bool, error) {
	m, err := loadManifestFile(filepath.Join(dir, manifestName))
	if err == nil {
		return m, false, nil
	}
	if os.IsNotExist(err) {
		return manifest{}, false, nil
	}

	prev, prevErr := loadManifestFile(filepath.Join(dir, manifestPrevName))
	if prevErr == nil {
		return prev, true, nil
	}
	if os.IsNotExist(prevErr) {
		return manifest{}, false, err
	}
	return manifest{}, false, fmt.Errorf("both manifest generations unreadable: %v; %w", err, prevErr)
}
