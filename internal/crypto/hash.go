// Package crypto holds the content hashing used to address objects.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"

	DefaultAlgorithm = SHA256
)

// Hasher maps an object payload to its object id. It must be deterministic.
type Hasher func(payload string) string

func SHA256Hex(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func SHA3_256Hex(payload string) string {
	sum := sha3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func BLAKE2b256Hex(payload string) string {
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ParseAlgorithm accepts the algorithm names used in configuration. An empty
// name selects DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA256:
		return SHA256, nil
	case SHA3_256, "sha3":
		return SHA3_256, nil
	case BLAKE2b256, "blake2b":
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

func NewHasher(alg Algorithm) (Hasher, error) {
	switch alg {
	case "", SHA256:
		return SHA256Hex, nil
	case SHA3_256:
		return SHA3_256Hex, nil
	case BLAKE2b256:
		return BLAKE2b256Hex, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}

// IsObjectID reports whether id looks like a hex digest produced by one of
// the supported algorithms (all of them emit 32 bytes).
func IsObjectID(id string) bool {
	if len(id) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
