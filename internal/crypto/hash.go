package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FingerprintHex returns the BLAKE3 digest of data as a hex string. It is
// used for both PH (plaintext fingerprint) and CH (ciphertext
// fingerprint) — BLAKE3 is fast enough to run on every chunk without
// becoming the bottleneck, and unlike the MD5 baseline it carries no
// practical collision risk for a dedup key.
func FingerprintHex(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FileHashHex returns the SHA-256 digest of the file at path, hex encoded.
// This is the whole-file `file_hash` recorded on a Version; it is never
// used for dedup, only as an end-to-end integrity check.
func FileHashHex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumHex returns the SHA-256 digest of an in-memory byte stream, in the
// same hex form as FileHashHex.
func SumHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
