package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// saltDoc is the on-disk shape of the salt sidecar: `{ "salt": "<base64 32 bytes>" }`.
type saltDoc struct {
	Salt string `json:"salt"`
}

// SaltSidecarPath returns the conventional salt sidecar path for a given
// manifest path.
func SaltSidecarPath(manifestPath string) string {
	return manifestPath + ".salt.json"
}

// LoadOrCreateSalt reads the salt sidecar at path, creating it with fresh
// random salt if it does not yet exist. Its loss is unrecoverable: without
// it the derived key can never be reproduced, even with the correct
// passphrase.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var doc saltDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("crypto: parse salt sidecar %s: %w", path, err)
		}
		salt, err := base64.StdEncoding.DecodeString(doc.Salt)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode salt sidecar %s: %w", path, err)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read salt sidecar %s: %w", path, err)
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	doc := saltDoc{Salt: base64.StdEncoding.EncodeToString(salt)}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal salt sidecar: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("crypto: write salt sidecar %s: %w", path, err)
	}
	return salt, nil
}
