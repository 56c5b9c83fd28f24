package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across sync and restore
// runs.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithRun adds run_id context to the logger, scoping every subsequent
// line to one sync or restore invocation.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{logger: l.logger.With().Str("run_id", runID).Logger()}
}

// WithFile adds file context to the logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs an error at fatal level and terminates the process, mirroring
// zerolog's own Fatal semantics (os.Exit(1) after the log line is written).
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// SyncStarted logs the start of a sync run.
func (l *Logger) SyncStarted(filePath string, fileSize int64, version int) {
	l.logger.Info().
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("version", version).
		Msg("sync started")
}

// ChunkDeduped logs a chunk resolved by a pool hit instead of upload.
func (l *Logger) ChunkDeduped(index int, ph string) {
	l.logger.Debug().
		Int("chunk_index", index).
		Str("ph", ph).
		Msg("chunk deduplicated against pool")
}

// ChunkUploaded logs a newly encrypted-and-uploaded chunk.
func (l *Logger) ChunkUploaded(index, size int, ph string) {
	l.logger.Debug().
		Int("chunk_index", index).
		Int("envelope_size", size).
		Str("ph", ph).
		Msg("chunk uploaded")
}

// SyncProgress logs incremental sync progress.
func (l *Logger) SyncProgress(chunksDone, chunksTotal int, elapsed time.Duration) {
	l.logger.Info().
		Int("chunks_done", chunksDone).
		Int("chunks_total", chunksTotal).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("sync progress")
}

// SyncCompleted logs a successfully completed sync run.
func (l *Logger) SyncCompleted(fileSize int64, totalChunks, newChunks int, duration time.Duration) {
	l.logger.Info().
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Int("new_chunks", newChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("sync completed")
}

// SyncFailed logs a sync run that left its version pending.
func (l *Logger) SyncFailed(err error) {
	l.logger.Error().Err(err).Msg("sync failed, version left pending for resume")
}

// RetryAttempt logs a retried remote operation.
func (l *Logger) RetryAttempt(op string, attempt int, err error) {
	l.logger.Warn().
		Str("op", op).
		Int("attempt", attempt).
		Err(err).
		Msg("remote operation failed, retrying")
}

// IntegrityWarning logs a non-fatal integrity mismatch (ciphertext digest).
func (l *Logger) IntegrityWarning(ph, msg string) {
	l.logger.Warn().
		Str("ph", ph).
		Msg(msg)
}

// IntegrityFatal logs a fatal integrity failure (AEAD auth or plaintext
// digest mismatch).
func (l *Logger) IntegrityFatal(ph string, err error) {
	l.logger.Error().
		Str("ph", ph).
		Err(err).
		Msg("integrity check failed fatally")
}

// RestoreStarted logs the start of a restore run.
func (l *Logger) RestoreStarted(manifestPath string, version int, mode string) {
	l.logger.Info().
		Str("manifest_path", manifestPath).
		Int("version", version).
		Str("mode", mode).
		Msg("restore started")
}

// RestoreCompleted logs a successfully completed restore run.
func (l *Logger) RestoreCompleted(outputPath string, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("output_path", outputPath).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("restore completed")
}

// RestoreFileHashMismatch logs the non-fatal final-hash check failure.
func (l *Logger) RestoreFileHashMismatch(outputPath, want, got string) {
	l.logger.Error().
		Str("output_path", outputPath).
		Str("want_file_hash", want).
		Str("got_file_hash", got).
		Msg("reconstructed file hash does not match version's recorded file_hash; output retained")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
