// Package fingerprint computes the stable content fingerprint used for
// dedup and idempotency keying: the SHA-256 of the raw image bytes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/hupe1980/imago/model"
)

// Size is the length of a hex-encoded fingerprint.
const Size = sha256.Size * 2

// Sum computes the fingerprint of a byte slice.
func Sum(data []byte) model.Fingerprint {
	h := sha256.Sum256(data)
	return model.Fingerprint(hex.EncodeToString(h[:]))
}

// SumReader consumes r to EOF and returns the fingerprint together with
// the number of bytes read.
func SumReader(r io.Reader) (model.Fingerprint, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return model.Fingerprint(hex.EncodeToString(h.Sum(nil))), n, nil
}

// Parse validates a hex fingerprint string.
func Parse(s string) (model.Fingerprint, error) {
	if len(s) != Size {
		return "", fmt.Errorf("fingerprint: invalid length %d (want %d)", len(s), Size)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return model.Fingerprint(s), nil
}
