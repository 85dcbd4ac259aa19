package hsm

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// HashSecret hashes a PIN or activation code with Argon2id. The result is
// base64(salt || hash).
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)

	result := make([]byte, len(salt)+len(hash))
	copy(result, salt)
	copy(result[len(salt):], hash)

	return base64.StdEncoding.EncodeToString(result), nil
}

// VerifySecret compares a secret against a HashSecret output in constant time.
func VerifySecret(secret, encoded string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("invalid hash format: %w", err)
	}

	if len(decoded) <= saltLength {
		return false, errors.New("hash too short")
	}

	salt := decoded[:saltLength]
	storedHash := decoded[saltLength:]

	inputHash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}
