package uploader

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dustvault/dust/internal/crypto"
	"github.com/dustvault/dust/internal/manifest"
	"github.com/dustvault/dust/internal/remote"
)

func writeRandomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSyncRoundTrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "photo.bin")
	writeRandomFile(t, srcPath, 512*1024)

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}

	u := New(Options{ChunkKB: 64, Concurrency: 4, Store: store})
	manifestPath := filepath.Join(dir, "photo.bin.sync.dust")

	m, err := u.Sync(context.Background(), srcPath, manifestPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(m.Versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(m.Versions))
	}
	v := m.Versions[0]
	if v.Status != manifest.StatusCompleted {
		t.Fatalf("expected completed version, got %s", v.Status)
	}
	for i, ph := range v.Chunks {
		if ph == "" {
			t.Fatalf("chunk position %d left unresolved", i)
		}
		if _, ok := m.Lookup(ph); !ok {
			t.Fatalf("chunk position %d's PH %s absent from pool", i, ph)
		}
	}

	reloaded, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	if len(reloaded.Pool) != len(m.Pool) {
		t.Fatalf("reloaded pool size mismatch: got %d want %d", len(reloaded.Pool), len(m.Pool))
	}
}

func TestSyncNoopWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "notes.txt")
	writeRandomFile(t, srcPath, 10*1024)

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 8, Store: store})
	manifestPath := filepath.Join(dir, "notes.txt.sync.dust")

	if _, err := u.Sync(context.Background(), srcPath, manifestPath, "pw"); err != nil {
		t.Fatal(err)
	}

	m2, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if len(m2.Versions) != 1 {
		t.Fatalf("expected no new version on unchanged re-sync, got %d versions", len(m2.Versions))
	}
}

func TestSyncSecondVersionDedupsIdenticalChunks(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "log.bin")
	base := writeRandomFile(t, srcPath, 256*1024)

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 32, Store: store})
	manifestPath := filepath.Join(dir, "log.bin.sync.dust")

	if _, err := u.Sync(context.Background(), srcPath, manifestPath, "pw"); err != nil {
		t.Fatal(err)
	}

	appended := append(append([]byte{}, base...), []byte("trailing bytes appended for version two")...)
	if err := os.WriteFile(srcPath, appended, 0600); err != nil {
		t.Fatal(err)
	}

	m2, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if len(m2.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(m2.Versions))
	}
	if m2.Versions[1].Status != manifest.StatusCompleted {
		t.Fatalf("expected version 2 completed, got %s", m2.Versions[1].Status)
	}
	// The leading chunks of version two should reuse version one's pool
	// entries rather than re-uploading identical content.
	if m2.Versions[0].Chunks[0] != m2.Versions[1].Chunks[0] {
		t.Fatalf("expected first chunk to be shared between versions via dedup")
	}
}

func TestSyncTinyFileSingleChunk(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 1, Store: store})
	manifestPath := filepath.Join(dir, "hello.txt.sync.dust")

	m, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Versions) != 1 {
		t.Fatalf("expected exactly one version, got %d", len(m.Versions))
	}
	if got := len(m.Versions[0].Chunks); got != 1 {
		t.Fatalf("an 11-byte file should occupy a single chunk, got %d", got)
	}
	if len(m.Pool) != 1 {
		t.Fatalf("expected a single pool entry, got %d", len(m.Pool))
	}
}

func TestSyncAppendAddsAtMostOnePoolEntry(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "constant.bin")
	base := bytes.Repeat([]byte{0x41}, 10*1024)
	if err := os.WriteFile(srcPath, base, 0600); err != nil {
		t.Fatal(err)
	}

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 2, Store: store})
	manifestPath := filepath.Join(dir, "constant.bin.sync.dust")

	m1, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}
	poolBefore := len(m1.Pool)

	appended := append(append([]byte{}, base...), []byte("\n[TAIL]\n")...)
	if err := os.WriteFile(srcPath, appended, 0600); err != nil {
		t.Fatal(err)
	}
	m2, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}

	// Only the tail chunk changed; every earlier chunk must come from the
	// pool unchanged.
	if grown := len(m2.Pool) - poolBefore; grown > 1 {
		t.Fatalf("appending a short tail should add at most one pool entry, added %d", grown)
	}
}

func TestSyncPrependSurvivesOffsetShift(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "constant.bin")
	base := bytes.Repeat([]byte{0x41}, 10*1024)
	if err := os.WriteFile(srcPath, base, 0600); err != nil {
		t.Fatal(err)
	}

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 2, Store: store})
	manifestPath := filepath.Join(dir, "constant.bin.sync.dust")

	m1, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}
	poolBefore := len(m1.Pool)

	prepended := append(bytes.Repeat([]byte{0x42}, 512), base...)
	if err := os.WriteFile(srcPath, prepended, 0600); err != nil {
		t.Fatal(err)
	}
	m2, err := u.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatal(err)
	}

	// Every absolute offset shifted, but content-defined boundaries
	// realign after the edit: only the head (and possibly the tail)
	// chunk should be new.
	if grown := len(m2.Pool) - poolBefore; grown > 2 {
		t.Fatalf("prepending should add at most two pool entries, added %d", grown)
	}
}

type failOnceStore struct {
	inner  remote.Store
	failed bool
}

func (f *failOnceStore) Put(ctx context.Context, blob []byte, tags map[string]string) (string, error) {
	if !f.failed {
		f.failed = true
		return "", errors.New("simulated transient outage")
	}
	return f.inner.Put(ctx, blob, tags)
}

func (f *failOnceStore) Get(ctx context.Context, url string) ([]byte, error) {
	return f.inner.Get(ctx, url)
}

func TestSyncResumesAfterInjectedFailure(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "archive.bin")
	writeRandomFile(t, srcPath, 512*1024)

	inner, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	flaky := &failOnceStore{inner: inner}

	manifestPath := filepath.Join(dir, "archive.bin.sync.dust")
	u1 := New(Options{ChunkKB: 32, Concurrency: 1, Store: flaky})
	_, err = u1.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err == nil {
		t.Fatal("expected first sync to fail due to injected store error")
	}

	pending, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest after failed sync: %v", err)
	}
	pv := pending.PendingVersion()
	if pv == nil {
		t.Fatal("expected a pending version to remain after failed sync")
	}

	u2 := New(Options{ChunkKB: 32, Concurrency: 1, Store: inner})
	m2, err := u2.Sync(context.Background(), srcPath, manifestPath, "pw")
	if err != nil {
		t.Fatalf("resume sync failed: %v", err)
	}
	if len(m2.Versions) != 1 {
		t.Fatalf("resume should not append a second version, got %d", len(m2.Versions))
	}
	if m2.Versions[0].Status != manifest.StatusCompleted {
		t.Fatalf("expected resumed version to complete, got %s", m2.Versions[0].Status)
	}
	for i, ph := range m2.Versions[0].Chunks {
		if ph == "" {
			t.Fatalf("chunk position %d still unresolved after resume", i)
		}
	}
}

func TestSyncDecryptsBackToOriginalBytes(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.bin")
	original := writeRandomFile(t, srcPath, 300*1024)

	store, err := remote.NewLocalStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	u := New(Options{ChunkKB: 48, Store: store})
	manifestPath := filepath.Join(dir, "doc.bin.sync.dust")
	passphrase := "hunter2-hunter2"

	m, err := u.Sync(context.Background(), srcPath, manifestPath, passphrase)
	if err != nil {
		t.Fatal(err)
	}

	salt, err := crypto.LoadOrCreateSalt(crypto.SaltSidecarPath(manifestPath))
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		t.Fatal(err)
	}

	var rebuilt bytes.Buffer
	v := m.Versions[0]
	for _, ph := range v.Chunks {
		entry, ok := m.Lookup(ph)
		if !ok {
			t.Fatalf("missing pool entry for %s", ph)
		}
		envelope, err := store.Get(context.Background(), entry.URL)
		if err != nil {
			t.Fatal(err)
		}
		plaintext, err := crypto.Decrypt(key, envelope)
		if err != nil {
			t.Fatalf("decrypt chunk %s: %v", ph, err)
		}
		if crypto.FingerprintHex(plaintext) != ph {
			t.Fatalf("decrypted chunk fingerprint mismatch for %s", ph)
		}
		rebuilt.Write(plaintext)
	}
	if !bytes.Equal(rebuilt.Bytes(), original) {
		t.Fatal("reassembled plaintext does not match original file")
	}
}
