package chunker

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/maneesh/edushare/internal/models"
)

// Algorithm names the digest a fingerprint was computed with
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
)

// DetectAlgorithm infers the digest algorithm from the fingerprint's hex length
func DetectAlgorithm(fingerprint string) (Algorithm, error) {
	if _, err := hex.DecodeString(fingerprint); err != nil {
		return "", fmt.Errorf("%w: fingerprint is not hex", models.ErrInvalidInput)
	}

	switch len(fingerprint) {
	case md5.Size * 2:
		return MD5, nil
	case sha256.Size * 2:
		return SHA256, nil
	default:
		return "", fmt.Errorf("%w: fingerprint must be an md5 or sha256 hex digest", models.ErrInvalidInput)
	}
}

// NormalizeFingerprint lowercases and trims a client supplied fingerprint
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToLower(strings.TrimSpace(fingerprint))
}

// Digester computes the content digest of an assembled artifact as it is streamed
type Digester struct {
	algo Algorithm
	h    hash.Hash
	n    int64
}

// NewDigester creates a digester matching the algorithm of the declared fingerprint
func NewDigester(fingerprint string) (*Digester, error) {
	algo, err := DetectAlgorithm(fingerprint)
	if err != nil {
		return nil, err
	}

	d := &Digester{algo: algo}
	if algo == MD5 {
		d.h = md5.New()
	} else {
		d.h = sha256.New()
	}
	return d, nil
}

// Write implements io.Writer
func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Algorithm returns the digest algorithm in use
func (d *Digester) Algorithm() Algorithm {
	return d.algo
}

// Size returns the number of bytes digested so far
func (d *Digester) Size() int64 {
	return d.n
}

// Sum returns the hex digest of everything written so far
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Matches reports whether the digest equals the declared fingerprint
func (d *Digester) Matches(fingerprint string) bool {
	return d.Sum() == NormalizeFingerprint(fingerprint)
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
