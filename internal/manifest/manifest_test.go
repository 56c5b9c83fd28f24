package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPoolInsertIdempotentAndConflict(t *testing.T) {
	m := New("file.bin")
	if err := m.Insert("ph1", "ch1", "url1", 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert("ph1", "ch1", "url1", 100); err != nil {
		t.Fatalf("re-insert of identical value should be a no-op, got %v", err)
	}
	if err := m.Insert("ph1", "ch2", "url1", 100); err != ErrPoolConflict {
		t.Fatalf("expected ErrPoolConflict for differing CH, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin.sync.dust")

	m := New("file.bin")
	if err := m.Insert("ph1", "ch1", "url1", 42); err != nil {
		t.Fatal(err)
	}
	m.Versions = append(m.Versions, Version{
		VersionNumber: 1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		FileHash:      "deadbeef",
		TotalSize:     42,
		Status:        StatusCompleted,
		Chunks:        []string{"ph1"},
	})

	if err := Save(m, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Filename != "file.bin" {
		t.Fatalf("Filename = %q", loaded.Filename)
	}
	if len(loaded.Versions) != 1 || loaded.Versions[0].FileHash != "deadbeef" {
		t.Fatalf("unexpected versions: %+v", loaded.Versions)
	}
	entry, ok := loaded.Lookup("ph1")
	if !ok || entry.CH != "ch1" || entry.PlainLen != 42 {
		t.Fatalf("unexpected pool entry: %+v", entry)
	}

	// No stray temp files should remain.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in %s, found %d", dir, len(entries))
	}
}

func TestLoadUpgradesLegacySingleVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SingleVersionPath("file.bin"))

	legacy := legacyManifest{
		Filename:  "file.bin",
		TotalSize: 20,
		FileHash:  "abc123",
		Chunks: []legacyChunkDescriptor{
			{Part: 0, Hash: "ch0", PlainHash: "ph0", URL: "url0"},
			{Part: 1, Hash: "ch1", PlainHash: "ph1", URL: "url1"},
		},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Format != FormatSingleVersion {
		t.Fatalf("expected FormatSingleVersion after legacy load, got %v", m.Format)
	}
	if len(m.Versions) != 1 || m.Versions[0].Status != StatusCompleted {
		t.Fatalf("expected one completed version after upgrade, got %+v", m.Versions)
	}
	if len(m.Versions[0].Chunks) != 2 || m.Versions[0].Chunks[0] != "ph0" || m.Versions[0].Chunks[1] != "ph1" {
		t.Fatalf("unexpected chunk sequence after upgrade: %+v", m.Versions[0].Chunks)
	}
	if _, ok := m.Lookup("ph0"); !ok {
		t.Fatal("expected ph0 lifted into the pool")
	}

	// Re-saving and reloading must be idempotent: a second load should
	// not re-trigger the legacy branch.
	versionedPath := filepath.Join(dir, "file.bin.sync.dust")
	if err := Save(m, versionedPath); err != nil {
		t.Fatal(err)
	}
	reloaded, err := Load(versionedPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Versions) != 1 {
		t.Fatalf("expected one version after idempotent reload, got %d", len(reloaded.Versions))
	}
	if reloaded.Format != FormatVersioned {
		t.Fatalf("expected FormatVersioned after re-save, got %v", reloaded.Format)
	}
}

func TestPrepareVersionResumeDecision(t *testing.T) {
	m := New("file.bin")

	action, idx := m.PrepareVersion("hash-a", 100)
	if action != ActionNewVersion || idx != 0 {
		t.Fatalf("expected new version on empty manifest, got action=%v idx=%d", action, idx)
	}
	m.Versions[idx].Status = StatusPending

	// Same content as the pending version: resume.
	action, idx = m.PrepareVersion("hash-a", 100)
	if action != ActionResumePending || idx != 0 {
		t.Fatalf("expected resume of pending version, got action=%v idx=%d", action, idx)
	}

	// Complete it, then re-sync identical content: no-op.
	m.Versions[0].Status = StatusCompleted
	action, _ = m.PrepareVersion("hash-a", 100)
	if action != ActionNoop {
		t.Fatalf("expected no-op for unchanged content, got %v", action)
	}

	// Different content: a new version is appended.
	action, idx = m.PrepareVersion("hash-b", 200)
	if action != ActionNewVersion || idx != 1 {
		t.Fatalf("expected a second new version, got action=%v idx=%d", action, idx)
	}
}

func TestPrepareVersionOverwritesStalePending(t *testing.T) {
	m := New("file.bin")
	m.Versions = append(m.Versions, Version{VersionNumber: 1, FileHash: "stale", Status: StatusPending})

	action, idx := m.PrepareVersion("fresh", 10)
	if action != ActionNewVersion || idx != 0 {
		t.Fatalf("expected stale pending overwritten in place, got action=%v idx=%d", action, idx)
	}
	if len(m.Versions) != 1 {
		t.Fatalf("expected exactly one version after overwrite, got %d", len(m.Versions))
	}
	if m.Versions[0].FileHash != "fresh" {
		t.Fatalf("expected overwritten version to carry the fresh file hash, got %q", m.Versions[0].FileHash)
	}
}
