// Package hash provides file hashing for module fingerprints.
//
// The scanner hashes a module's metadata file (module.prop) as one
// component of its change fingerprint. Only the metadata file is ever
// hashed; module content is deliberately not, as a cost/precision
// trade-off. The package provides a real implementation using
// crypto/sha256 and a fake implementation for testing.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher provides an abstraction for file hashing operations.
type Hasher interface {
	// HashFile computes the hash of the file at the given path.
	HashFile(path string) (string, error)
}

// SHA256Hasher implements Hasher using SHA-256.
type SHA256Hasher struct{}

// NewSHA256Hasher creates a new SHA256Hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// HashFile computes the SHA-256 hash of the file at the given path.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FakeHasher implements Hasher with canned results for testing.
type FakeHasher struct {
	// Hashes maps a path to the hash returned for it.
	Hashes map[string]string

	// Err is returned for every call when set.
	Err error
}

// NewFakeHasher creates a FakeHasher with an empty hash map.
func NewFakeHasher() *FakeHasher {
	return &FakeHasher{Hashes: make(map[string]string)}
}

// HashFile returns the canned hash for path, or a stable placeholder.
func (h *FakeHasher) HashFile(path string) (string, error) {
	if h.Err != nil {
		return "", h.Err
	}
	if v, ok := h.Hashes[path]; ok {
		return v, nil
	}
	return "fakehash:" + path, nil
}
