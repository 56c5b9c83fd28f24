// Package restore implements C6: the streaming reconstruct pipeline that
// fetches a version's chunks, verifies them at three levels, decrypts
// them, and writes them out under a bounded memory envelope.
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustvault/dust/internal/audit"
	"github.com/dustvault/dust/internal/crypto"
	"github.com/dustvault/dust/internal/manifest"
	"github.com/dustvault/dust/internal/observability"
	"github.com/dustvault/dust/internal/remote"
)

// ErrAuthFailure is returned when any chunk fails AEAD authentication.
// Restore aborts immediately and leaves no output file behind.
var ErrAuthFailure = errors.New("restore: AEAD authentication failed, aborting")

// ErrPlaintextDigestMismatch is returned when a decrypted chunk's BLAKE3
// fingerprint does not match the PH recorded for it in the manifest,
// which indicates the manifest's chunk list has been tampered with.
var ErrPlaintextDigestMismatch = errors.New("restore: decrypted chunk does not match its recorded fingerprint, aborting")

// ErrVersionNotFound is returned when the requested version number does
// not exist in the manifest.
var ErrVersionNotFound = errors.New("restore: requested version not found")

// Options configures a Reconstructor.
type Options struct {
	Concurrency int
	Store       remote.Store
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Ledger      *audit.Ledger // optional
}

// Reconstructor drives one restore run against a manifest.
type Reconstructor struct {
	opts Options
}

// New constructs a Reconstructor. A zero Concurrency falls back to the
// default of 5 parallel fetch workers.
func New(opts Options) *Reconstructor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &Reconstructor{opts: opts}
}

// Result summarizes a completed restore.
type Result struct {
	OutputPath       string
	VersionNumber    int
	TotalChunks      int
	FileHashVerified bool
}

// Restore reconstructs the requested version (or the latest completed one
// when versionNumber is 0) from the manifest at manifestPath into a
// sibling output file, returning once the output has been durably
// written. A manifest loaded from the legacy single-version layout
// (`<name>.dust`) restores in strict-streaming mode; one loaded from the
// versioned layout (`<name>.sync.dust`) uses the bounded-concurrency
// parallel-gather mode, regardless of how many versions it holds.
func (r *Reconstructor) Restore(ctx context.Context, manifestPath string, versionNumber int, passphrase string) (*Result, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("restore: load manifest %s: %w", manifestPath, err)
	}

	version, outputPath, err := resolveVersion(m, manifestPath, versionNumber)
	if err != nil {
		return nil, err
	}

	salt, err := crypto.LoadOrCreateSalt(crypto.SaltSidecarPath(manifestPath))
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	mode := "parallel-gather"
	if m.Format == manifest.FormatSingleVersion {
		mode = "strict-streaming"
	}

	logger := r.opts.Logger
	if logger != nil {
		logger = logger.WithFile(manifestPath, version.TotalSize)
	}

	started := time.Now()
	if logger != nil {
		logger.RestoreStarted(manifestPath, version.VersionNumber, mode)
	}

	var runID string
	if r.opts.Ledger != nil {
		runID = fmt.Sprintf("%s-restore-%d", filepath.Base(manifestPath), started.UnixNano())
		if logger != nil {
			logger = logger.WithRun(runID)
		}
		if err := r.opts.Ledger.StartRun(runID, audit.OpRestore, manifestPath); err != nil && logger != nil {
			logger.Warn("run ledger write failed: " + err.Error())
		}
	}
	r.opts.Logger = logger

	var fileHashVerified bool
	var restoreErr error
	if mode == "strict-streaming" {
		fileHashVerified, restoreErr = r.strictStreaming(ctx, m, version, key, outputPath)
	} else {
		var plaintext [][]byte
		plaintext, restoreErr = r.parallelGather(ctx, m, version, key)
		if restoreErr == nil {
			fileHashVerified, restoreErr = writeOutput(outputPath, plaintext, version.FileHash, r.opts.Logger, r.opts.Metrics)
		}
	}

	duration := time.Since(started)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordRestoreComplete(restoreErr == nil, duration.Seconds())
	}

	if restoreErr != nil {
		if r.opts.Logger != nil {
			r.opts.Logger.Error(restoreErr, "restore aborted")
		}
		if r.opts.Ledger != nil {
			if err := r.opts.Ledger.FinishRun(runID, audit.OutcomeFailed, 0, 0, 0, restoreErr); err != nil && r.opts.Logger != nil {
				r.opts.Logger.Warn("run ledger write failed: " + err.Error())
			}
		}
		return nil, restoreErr
	}

	if r.opts.Logger != nil {
		r.opts.Logger.RestoreCompleted(outputPath, len(version.Chunks), duration)
	}
	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.FinishRun(runID, audit.OutcomeCompleted, 0, 0, 0, nil); err != nil && r.opts.Logger != nil {
			r.opts.Logger.Warn("run ledger write failed: " + err.Error())
		}
	}

	return &Result{
		OutputPath:       outputPath,
		VersionNumber:    version.VersionNumber,
		TotalChunks:      len(version.Chunks),
		FileHashVerified: fileHashVerified,
	}, nil
}

// resolveVersion picks the version to restore and computes its output
// path. The output is written next to the manifest itself, not next to
// m.Filename: the manifest only ever records its tracked file's base
// name, so the manifest's own directory is the only reliable anchor for
// where to place the restored copy.
func resolveVersion(m *manifest.Manifest, manifestPath string, versionNumber int) (*manifest.Version, string, error) {
	var version *manifest.Version
	if versionNumber == 0 {
		version = m.LastCompletedVersion()
		if version == nil {
			return nil, "", ErrVersionNotFound
		}
	} else {
		v, ok := m.VersionByNumber(versionNumber)
		if !ok || v.Status != manifest.StatusCompleted {
			return nil, "", ErrVersionNotFound
		}
		version = v
	}

	dir := filepath.Dir(manifestPath)
	base := filepath.Base(m.Filename)
	var outName string
	if m.Format == manifest.FormatSingleVersion {
		outName = "restored_" + base
	} else {
		outName = fmt.Sprintf("restored_v%d_%s", version.VersionNumber, base)
	}
	return version, filepath.Join(dir, outName), nil
}

// strictStreaming fetches chunks sequentially in index order and appends
// each directly to the temp output file, bounding memory to roughly one
// chunk at a time. The temp file only renames into place once every chunk
// has been written and synced.
func (r *Reconstructor) strictStreaming(ctx context.Context, m *manifest.Manifest, version *manifest.Version, key []byte, outputPath string) (bool, error) {
	out, err := newOutputFile(outputPath)
	if err != nil {
		return false, err
	}
	for i, ph := range version.Chunks {
		if err := ctx.Err(); err != nil {
			out.abort()
			return false, fmt.Errorf("restore: interrupted: %w", err)
		}
		entry, ok := m.Lookup(ph)
		if !ok {
			out.abort()
			return false, fmt.Errorf("restore: chunk %d: PH %s absent from pool", i, ph)
		}
		plaintext, err := r.fetchVerifyDecrypt(ctx, ph, entry, key)
		if err != nil {
			out.abort()
			return false, err
		}
		if err := out.append(plaintext); err != nil {
			out.abort()
			return false, err
		}
	}
	return out.finish(version.FileHash, r.opts.Logger, r.opts.Metrics)
}

// parallelGather fetches chunks with bounded concurrency, each task
// independently verified and decrypted, and assembles them back into
// index order once every task has finished.
func (r *Reconstructor) parallelGather(ctx context.Context, m *manifest.Manifest, version *manifest.Version, key []byte) ([][]byte, error) {
	n := len(version.Chunks)
	out := make([][]byte, n)

	type job struct {
		index int
		ph    string
	}
	jobs := make(chan job, r.opts.Concurrency)
	errs := make(chan error, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < r.opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				entry, ok := m.Lookup(j.ph)
				if !ok {
					select {
					case errs <- fmt.Errorf("restore: chunk %d: PH %s absent from pool", j.index, j.ph):
					default:
					}
					cancel()
					return
				}
				plaintext, err := r.fetchVerifyDecrypt(ctx, j.ph, entry, key)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					cancel()
					return
				}
				out[j.index] = plaintext
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, ph := range version.Chunks {
			select {
			case jobs <- job{index: i, ph: ph}:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	select {
	case err := <-errs:
		return nil, err
	default:
	}
	// An externally cancelled context can stop the feeding goroutine
	// without any worker observing a fetch error; nil slots must never
	// reach the output writer.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("restore: interrupted: %w", err)
	}
	return out, nil
}

// fetchVerifyDecrypt performs the three in-flight integrity checks for
// one chunk: ciphertext digest (warn only), AEAD authentication (fatal),
// and plaintext digest against PH (fatal).
func (r *Reconstructor) fetchVerifyDecrypt(ctx context.Context, ph string, entry manifest.PoolEntry, key []byte) ([]byte, error) {
	envelope, err := r.opts.Store.Get(ctx, entry.URL)
	if err != nil {
		return nil, fmt.Errorf("restore: fetch %s: %w", entry.URL, err)
	}

	if got := crypto.FingerprintHex(envelope); got != entry.CH {
		if r.opts.Logger != nil {
			r.opts.Logger.IntegrityWarning(ph, "ciphertext digest mismatch, proceeding on AEAD tag authority")
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordIntegrityWarning("ciphertext_digest")
		}
	}

	decryptStart := time.Now()
	plaintext, err := crypto.Decrypt(key, envelope)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCryptoOperation("decrypt", time.Since(decryptStart).Seconds())
	}
	if err != nil {
		if r.opts.Logger != nil {
			r.opts.Logger.IntegrityFatal(ph, err)
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordIntegrityFatal("aead_auth")
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	if got := crypto.FingerprintHex(plaintext); got != ph {
		if r.opts.Logger != nil {
			r.opts.Logger.IntegrityFatal(ph, ErrPlaintextDigestMismatch)
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordIntegrityFatal("plaintext_digest")
		}
		return nil, ErrPlaintextDigestMismatch
	}

	return plaintext, nil
}

// outputFile accumulates verified plaintext into a temp file in the
// final output's directory, hashing as it writes, and only renames into
// place once everything is durable. A crash or abort mid-restore leaves
// the final path untouched.
type outputFile struct {
	tmp     *os.File
	tmpPath string
	final   string
	hash    hash.Hash
}

func newOutputFile(outputPath string) (*outputFile, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".restore-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp output: %w", err)
	}
	return &outputFile{
		tmp:     tmp,
		tmpPath: tmp.Name(),
		final:   outputPath,
		hash:    sha256.New(),
	}, nil
}

func (o *outputFile) append(chunk []byte) error {
	if _, err := o.tmp.Write(chunk); err != nil {
		return fmt.Errorf("restore: write output: %w", err)
	}
	o.hash.Write(chunk)
	return nil
}

func (o *outputFile) abort() {
	o.tmp.Close()
	os.Remove(o.tmpPath)
}

// finish syncs and renames the temp file over the final path, then checks
// the accumulated SHA-256 against fileHash. A mismatch is logged but does
// not block the rename: by this point every chunk has already passed both
// AEAD and plaintext-digest verification, so a mismatch here can only
// mean the version's recorded file_hash itself predates a manifest edit.
func (o *outputFile) finish(fileHash string, logger *observability.Logger, metrics *observability.Metrics) (bool, error) {
	if err := o.tmp.Sync(); err != nil {
		o.abort()
		return false, fmt.Errorf("restore: sync output: %w", err)
	}
	if err := o.tmp.Close(); err != nil {
		os.Remove(o.tmpPath)
		return false, fmt.Errorf("restore: close output: %w", err)
	}

	if err := os.Remove(o.final); err != nil && !os.IsNotExist(err) {
		os.Remove(o.tmpPath)
		return false, fmt.Errorf("restore: replace existing output: %w", err)
	}
	if err := os.Rename(o.tmpPath, o.final); err != nil {
		os.Remove(o.tmpPath)
		return false, fmt.Errorf("restore: rename output into place: %w", err)
	}

	got := hex.EncodeToString(o.hash.Sum(nil))
	verified := got == fileHash
	if !verified {
		if logger != nil {
			logger.RestoreFileHashMismatch(o.final, fileHash, got)
		}
		if metrics != nil {
			metrics.RecordIntegrityWarning("final_file_hash")
		}
	}
	return verified, nil
}

// writeOutput is the parallel-gather mode's sink: it pushes every slot of
// the assembled chunk sequence through an outputFile in index order.
func writeOutput(outputPath string, chunks [][]byte, fileHash string, logger *observability.Logger, metrics *observability.Metrics) (bool, error) {
	out, err := newOutputFile(outputPath)
	if err != nil {
		return false, err
	}
	for _, chunk := range chunks {
		if err := out.append(chunk); err != nil {
			out.abort()
			return false, err
		}
	}
	return out.finish(fileHash, logger, metrics)
}
