package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWithRunAddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("dust", "test", &buf)
	logger.WithRun("run-123").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"run_id":"run-123"`) {
		t.Fatalf("expected run_id field in log output, got: %s", out)
	}
	if !strings.Contains(out, `"service":"dust"`) {
		t.Fatalf("expected service field in log output, got: %s", out)
	}
}

func TestLoggerIntegrityFatalIncludesError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("dust", "test", &buf)
	logger.IntegrityFatal("ph-abc", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "ph-abc") || !strings.Contains(out, "boom") {
		t.Fatalf("expected ph and error detail in log output, got: %s", out)
	}
}

func TestMetricsRecordDoesNotPanic(t *testing.T) {
	m := NewMetrics()
	m.RecordSyncComplete(true, 1.5)
	m.RecordChunkNew(4096)
	m.RecordChunkDedup()
	m.RecordRetry("put")
	m.RecordIntegrityWarning("ciphertext_digest")
	m.RecordIntegrityFatal("plaintext_digest")
	m.RecordRestoreComplete(false, 2.0)
	m.RecordCryptoOperation("seal", 0.001)

	if m.Handler() == nil {
		t.Fatal("expected a non-nil metrics handler")
	}
}
