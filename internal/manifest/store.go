package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// legacyChunkDescriptor is one entry of a single-version manifest's
// embedded chunk list, from before chunks were normalized into PH
// references against a shared pool.
type legacyChunkDescriptor struct {
	Part      int    `json:"part"`
	Hash      string `json:"hash"`       // CH
	PlainHash string `json:"plain_hash"` // PH
	URL       string `json:"url"`
}

// legacyManifest is the single-version on-disk layout (`<name>.dust`).
type legacyManifest struct {
	Filename  string                  `json:"filename"`
	TotalSize int64                   `json:"total_size"`
	FileHash  string                  `json:"file_hash"`
	Chunks    []legacyChunkDescriptor `json:"chunks"`
}

// VersionedPath returns the manifest path for versioned (multi-sync) mode.
func VersionedPath(filename string) string {
	return filename + ".sync.dust"
}

// SingleVersionPath returns the manifest path for single-version mode.
func SingleVersionPath(filename string) string {
	return filename + ".dust"
}

// Load reads a manifest from path, accepting both the versioned layout
// and the legacy single-version layout. A legacy document is upgraded in
// memory into the versioned form before being returned; the caller's next
// Save persists the upgrade. The upgrade is idempotent: loading an
// already-versioned document is a straight unmarshal.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	if _, versioned := probe["versions"]; versioned {
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
		}
		if m.Pool == nil {
			m.Pool = make(map[string]PoolEntry)
		}
		m.Format = FormatVersioned
		return &m, nil
	}

	var legacy legacyManifest
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return upgradeLegacy(&legacy), nil
}

// upgradeLegacy lifts a single-version manifest's embedded chunk
// descriptors into the shared pool and rewrites its chunk list to a pure
// PH sequence, matching the versioned layout everything else expects.
func upgradeLegacy(legacy *legacyManifest) *Manifest {
	m := New(legacy.Filename)
	m.Format = FormatSingleVersion

	chunks := make([]string, len(legacy.Chunks))
	for _, c := range legacy.Chunks {
		// PlainLen is unknown for legacy manifests: they predate the
		// per-chunk offset index and never recorded plaintext length.
		_ = m.Insert(c.PlainHash, c.Hash, c.URL, 0)
		if c.Part >= 0 && c.Part < len(chunks) {
			chunks[c.Part] = c.PlainHash
		}
	}

	m.Versions = []Version{{
		VersionNumber: 1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		FileHash:      legacy.FileHash,
		TotalSize:     legacy.TotalSize,
		Status:        StatusCompleted,
		Chunks:        chunks,
	}}
	return m
}

// Save persists m to path by writing the full document to a temporary
// file in the same directory and renaming it over the target, so a crash
// mid-write never leaves a half-written manifest in place.
func Save(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}
