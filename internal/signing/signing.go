// Package signing implements the HMAC helpers used to issue and verify signed
// media URLs. The hash is selected from a small table so every caller agrees on
// the algorithm names used in configuration.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Algorithm names the HMAC construction used for media URLs.
type Algorithm string

const (
	Hmac256 Algorithm = "Hmac256"
	Hmac384 Algorithm = "Hmac384"
	Hmac512 Algorithm = "Hmac512"

	// DefaultAlgorithm is used whenever no algorithm is configured.
	DefaultAlgorithm = Hmac256
)

// ErrUnknownAlgorithm is returned by ParseAlgorithm for unsupported names.
var ErrUnknownAlgorithm = errors.New("unknown hmac hash mode")

var hashes = map[Algorithm]func() hash.Hash{
	Hmac256: sha256.New,
	Hmac384: sha512.New384,
	Hmac512: sha512.New,
}

// ParseAlgorithm maps a configured name onto an Algorithm. The bare bit sizes
// ("256", "384", "512") are accepted too, matching how the enum is numbered in
// older deployments.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultAlgorithm, nil
	case "hmac256", "256", "sha256":
		return Hmac256, nil
	case "hmac384", "384", "sha384":
		return Hmac384, nil
	case "hmac512", "512", "sha512":
		return Hmac512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	_, ok := hashes[a]
	return ok
}

func (a Algorithm) String() string {
	return string(a)
}

// Size is the MAC length in bytes.
func (a Algorithm) Size() int {
	return a.hasher()().Size()
}

func (a Algorithm) hasher() func() hash.Hash {
	if h, ok := hashes[a]; ok {
		return h
	}
	return hashes[DefaultAlgorithm]
}

// Compute returns the MAC of message keyed by secret. An empty secret is
// allowed; judging key strength is left to deployment.
func Compute(message, secret []byte, alg Algorithm) []byte {
	mac := hmac.New(alg.hasher(), secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify recomputes the MAC and compares it with candidate in constant time.
func Verify(message, secret []byte, alg Algorithm, candidate []byte) bool {
	if !alg.Valid() {
		return false
	}
	return hmac.Equal(Compute(message, secret, alg), candidate)
}

// Signer binds a secret and algorithm together. It is a value snapshot and is
// never mutated after construction.
type Signer struct {
	secret    []byte
	algorithm Algorithm
}

// NewSigner creates a Signer. The secret slice is copied.
func NewSigner(secret []byte, alg Algorithm) Signer {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	return Signer{secret: append([]byte(nil), secret...), algorithm: alg}
}

// Algorithm returns the configured algorithm.
func (s Signer) Algorithm() Algorithm {
	return s.algorithm
}

// Sign returns the lowercase hex MAC of message.
func (s Signer) Sign(message string) string {
	return hex.EncodeToString(Compute([]byte(message), s.secret, s.algorithm))
}

// Validate compares the hex encoded signature against message.
func (s Signer) Validate(message, signature string) bool {
	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return Verify([]byte(message), s.secret, s.algorithm, candidate)
}
