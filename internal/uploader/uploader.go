// Package uploader implements C5: the single-reader, bounded-concurrency
// upload pipeline that chunks a file, skips whatever the pool already
// has, encrypts and uploads the rest, and keeps the manifest's on-disk
// state resumable after any crash.
package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustvault/dust/internal/audit"
	"github.com/dustvault/dust/internal/chunker"
	"github.com/dustvault/dust/internal/crypto"
	"github.com/dustvault/dust/internal/manifest"
	"github.com/dustvault/dust/internal/observability"
	"github.com/dustvault/dust/internal/remote"
)

// Options configures an Uploader. Store is expected to already carry
// whatever retry policy the caller wants (see remote.WithRetry) — the
// uploader itself just calls Put and treats a returned error as final.
type Options struct {
	ChunkKB             int
	Concurrency         int
	Store               remote.Store
	Logger              *observability.Logger
	Metrics             *observability.Metrics
	Ledger              *audit.Ledger // optional
	LockTimeout         time.Duration
	MaxEnvelopeWarnSize int
}

// Uploader drives one sync run against a manifest.
type Uploader struct {
	opts Options
}

// New constructs an Uploader. Zero-valued fields in opts fall back to the
// engine defaults (90 KB chunks, 3 workers, 100 KB envelope warning).
func New(opts Options) *Uploader {
	if opts.ChunkKB <= 0 {
		opts.ChunkKB = 90
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.MaxEnvelopeWarnSize <= 0 {
		opts.MaxEnvelopeWarnSize = 100 * 1024
	}
	return &Uploader{opts: opts}
}

type uploadJob struct {
	index     int
	ph        string
	plaintext []byte
}

type uploadResult struct {
	index        int
	ph, ch, url  string
	plainLen     int
	envelopeSize int
	err          error
}

// Sync uploads filePath's current contents as a new or resumed version,
// persisting progress to manifestPath after every resolved chunk
// position.
func (u *Uploader) Sync(ctx context.Context, filePath, manifestPath, passphrase string) (*manifest.Manifest, error) {
	lock, err := manifest.AcquireLock(manifestPath, u.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	fileHash, err := crypto.FileHashHex(filePath)
	if err != nil {
		return nil, fmt.Errorf("uploader: hash %s: %w", filePath, err)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("uploader: stat %s: %w", filePath, err)
	}
	totalSize := info.Size()

	m, err := loadOrNewManifest(manifestPath, filePath, u.opts.Logger)
	if err != nil {
		return nil, err
	}

	action, idx := m.PrepareVersion(fileHash, totalSize)
	if action == manifest.ActionNoop {
		if u.opts.Logger != nil {
			u.opts.Logger.Info("file unchanged since last completed version, sync is a no-op")
		}
		return m, nil
	}
	version := &m.Versions[idx]

	if err := manifest.Save(m, manifestPath); err != nil {
		return nil, fmt.Errorf("uploader: save initial manifest state: %w", err)
	}

	salt, err := crypto.LoadOrCreateSalt(crypto.SaltSidecarPath(manifestPath))
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	cfg, err := chunker.FromTargetKB(u.opts.ChunkKB)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("uploader: open %s: %w", filePath, err)
	}
	defer f.Close()

	logger := u.opts.Logger
	if logger != nil {
		logger = logger.WithFile(filePath, totalSize)
	}

	started := time.Now()
	if logger != nil {
		logger.SyncStarted(filePath, totalSize, version.VersionNumber)
	}

	var runID string
	if u.opts.Ledger != nil {
		runID = fmt.Sprintf("%s-%d", filepath.Base(filePath), started.UnixNano())
		if logger != nil {
			logger = logger.WithRun(runID)
		}
		if err := u.opts.Ledger.StartRun(runID, audit.OpSync, manifestPath); err != nil && logger != nil {
			logger.Warn("run ledger write failed: " + err.Error())
		}
	}
	u.opts.Logger = logger

	newChunks, finalErr := u.run(ctx, f, cfg, key, m, version, manifestPath)

	duration := time.Since(started)
	if u.opts.Metrics != nil {
		u.opts.Metrics.RecordSyncComplete(finalErr == nil, duration.Seconds())
	}

	if finalErr != nil {
		if u.opts.Logger != nil {
			u.opts.Logger.SyncFailed(finalErr)
		}
		if u.opts.Ledger != nil {
			if err := u.opts.Ledger.FinishRun(runID, audit.OutcomeFailed, newChunks, 0, 0, finalErr); err != nil && u.opts.Logger != nil {
				u.opts.Logger.Warn("run ledger write failed: " + err.Error())
			}
		}
		return m, finalErr
	}

	version.Status = manifest.StatusCompleted
	if err := manifest.Save(m, manifestPath); err != nil {
		return m, fmt.Errorf("uploader: save completed manifest: %w", err)
	}

	if u.opts.Logger != nil {
		u.opts.Logger.SyncCompleted(totalSize, len(version.Chunks), newChunks, duration)
	}
	if u.opts.Ledger != nil {
		if err := u.opts.Ledger.FinishRun(runID, audit.OutcomeCompleted, newChunks, 0, 0, nil); err != nil && u.opts.Logger != nil {
			u.opts.Logger.Warn("run ledger write failed: " + err.Error())
		}
	}

	return m, nil
}

// run drives the sequential read/dedup loop and the bounded-concurrency
// upload pool, returning the count of newly-uploaded chunks and the first
// terminal error encountered (nil on full success).
func (u *Uploader) run(ctx context.Context, f *os.File, cfg chunker.Config, key []byte, m *manifest.Manifest, version *manifest.Version, manifestPath string) (int, error) {
	var mu sync.Mutex
	save := func() error { return manifest.Save(m, manifestPath) }

	jobs := make(chan uploadJob, u.opts.Concurrency)
	results := make(chan uploadResult)

	var wg sync.WaitGroup
	for i := 0; i < u.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.worker(ctx, key, jobs, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	ownerErr := make(chan error, 1)
	newChunks := 0
	doneCount := 0
	progressStart := time.Now()
	logProgress := func(total int) {
		if u.opts.Logger != nil && doneCount%50 == 0 {
			u.opts.Logger.SyncProgress(doneCount, total, time.Since(progressStart))
		}
	}
	go func() {
		var firstErr error
		for res := range results {
			if res.err != nil {
				if firstErr == nil {
					firstErr = res.err
				}
				if u.opts.Logger != nil {
					u.opts.Logger.Error(res.err, "chunk upload failed terminally")
				}
				continue
			}
			mu.Lock()
			// Identical chunks read before the first of them finished
			// uploading are each uploaded; the first result to land owns the
			// pool entry and later ones reuse it instead of conflicting.
			if _, dup := m.Lookup(res.ph); !dup {
				if err := m.Insert(res.ph, res.ch, res.url, res.plainLen); err != nil {
					mu.Unlock()
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			}
			version.Chunks[res.index] = res.ph
			newChunks++
			doneCount++
			logProgress(len(version.Chunks))
			saveErr := save()
			mu.Unlock()

			if saveErr != nil && firstErr == nil {
				firstErr = saveErr
			}
			if u.opts.Logger != nil {
				u.opts.Logger.ChunkUploaded(res.index, res.envelopeSize, res.ph)
			}
			if u.opts.Metrics != nil {
				u.opts.Metrics.RecordChunkNew(res.envelopeSize)
			}
		}
		ownerErr <- firstErr
	}()

	c := chunker.New(f, cfg)
	i := 0
readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}

		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			close(jobs)
			<-ownerErr
			return newChunks, fmt.Errorf("uploader: read chunk %d: %w", i, err)
		}

		// Pool lookups take the same mutex as the owner goroutine's
		// inserts: the reader races against completing uploads otherwise.
		mu.Lock()
		for len(version.Chunks) <= i {
			version.Chunks = append(version.Chunks, "")
		}
		resumed := false
		if existing := version.Chunks[i]; existing != "" {
			_, resumed = m.Lookup(existing)
		}
		mu.Unlock()
		if resumed {
			// Resume skip: this position already has a confirmed pool
			// entry from an earlier, interrupted run.
			i++
			continue
		}

		ph := crypto.FingerprintHex(chunk)
		mu.Lock()
		_, pooled := m.Lookup(ph)
		var saveErr error
		if pooled {
			version.Chunks[i] = ph
			doneCount++
			logProgress(len(version.Chunks))
			saveErr = save()
		}
		mu.Unlock()
		if pooled {
			if saveErr != nil {
				close(jobs)
				<-ownerErr
				return newChunks, saveErr
			}
			if u.opts.Logger != nil {
				u.opts.Logger.ChunkDeduped(i, ph)
			}
			if u.opts.Metrics != nil {
				u.opts.Metrics.RecordChunkDedup()
			}
			i++
			continue
		}

		select {
		case jobs <- uploadJob{index: i, ph: ph, plaintext: chunk}:
		case <-ctx.Done():
			break readLoop
		}
		i++
	}

	close(jobs)
	firstErr := <-ownerErr
	if firstErr == nil {
		// A cancelled context breaks out of the read loop with positions
		// still unresolved; the version must stay pending, not complete.
		if err := ctx.Err(); err != nil {
			return newChunks, fmt.Errorf("uploader: sync interrupted: %w", err)
		}
	}
	return newChunks, firstErr
}

func (u *Uploader) worker(ctx context.Context, key []byte, jobs <-chan uploadJob, results chan<- uploadResult) {
	for job := range jobs {
		encryptStart := time.Now()
		envelope, err := crypto.Encrypt(key, job.plaintext)
		if u.opts.Metrics != nil {
			u.opts.Metrics.RecordCryptoOperation("encrypt", time.Since(encryptStart).Seconds())
		}
		if err != nil {
			results <- uploadResult{index: job.index, err: fmt.Errorf("encrypt chunk %d: %w", job.index, err)}
			continue
		}
		if len(envelope) > u.opts.MaxEnvelopeWarnSize && u.opts.Logger != nil {
			u.opts.Logger.Warn(fmt.Sprintf("chunk %d envelope is %d bytes, above the %d byte advisory threshold", job.index, len(envelope), u.opts.MaxEnvelopeWarnSize))
		}

		ch := crypto.FingerprintHex(envelope)
		url, err := u.opts.Store.Put(ctx, envelope, map[string]string{"ph": job.ph})
		if err != nil {
			results <- uploadResult{index: job.index, err: fmt.Errorf("upload chunk %d: %w", job.index, err)}
			continue
		}

		results <- uploadResult{
			index:        job.index,
			ph:           job.ph,
			ch:           ch,
			url:          url,
			plainLen:     len(job.plaintext),
			envelopeSize: len(envelope),
		}
	}
}

// loadOrNewManifest loads the manifest at path, falling back to a fresh
// one (with a logged warning) if the file is corrupt. A corrupt manifest
// only costs re-uploading; it never blocks a sync.
func loadOrNewManifest(path, filePath string, logger *observability.Logger) (*manifest.Manifest, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return manifest.New(filepath.Base(filePath)), nil
	}

	m, err := manifest.Load(path)
	if err != nil {
		if logger != nil {
			logger.Warn("manifest corrupt, starting a fresh one: " + err.Error())
		}
		return manifest.New(filepath.Base(filePath)), nil
	}
	return m, nil
}
