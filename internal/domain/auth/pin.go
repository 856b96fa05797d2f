// Package auth verifies the admin PIN against the hash held in config.
// Plaintext PINs never appear in config or the store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// hashSHA256 returns the SHA-256 hex digest of the raw PIN.
func hashSHA256(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashPINSHA256 returns the prefixed SHA-256 form, "sha256:<hex>". The fast
// path for deployments that do not want argon2id's memory cost.
func HashPINSHA256(raw string) string {
	return "sha256:" + hashSHA256(raw)
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPIN returns an Argon2id hash of the raw PIN in PHC format:
// $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashPIN(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies the hash algorithm of a stored hash. Returns
// "argon2id" for PHC format, "sha256" for prefixed or bare hex, "unknown"
// for anything else.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	// Legacy bare SHA-256 hex is exactly 64 hex characters.
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyPIN verifies a raw PIN against a stored hash. Supports Argon2id
// (PHC format), "sha256:"-prefixed hex, and legacy bare SHA-256 hex.
// Returns (false, ErrUnknownHashType) for unrecognized formats.
func VerifyPIN(raw, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(raw, storedHash)

	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := hashSHA256(raw)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters (t=0 rounds, p=0 parallelism); those become errors so
// VerifyPIN never panics on attacker-shaped input.
func safeArgon2idCompare(raw, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, storedHash)
}
