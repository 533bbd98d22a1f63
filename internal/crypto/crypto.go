// Package crypto provides NaCl secretbox sealing for session claims at rest
// and Ed25519 issuer key validation for the gateway.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// ValidateEd25519PublicKey checks that pub is a canonical encoding of a point
// on the Edwards curve and returns it as an ed25519.PublicKey.
func ValidateEd25519PublicKey(pub []byte) (ed25519.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: expected %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return ed25519.PublicKey(append([]byte(nil), pub...)), nil
}

// Seal encrypts plaintext with secretbox under key using a random 24-byte
// nonce. The nonce is prepended to the returned ciphertext.
func Seal(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate random nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts bytes produced by Seal. It expects the first 24 bytes to be
// the nonce, followed by the secretbox ciphertext.
func Open(sealed []byte, key *[KeySize]byte) ([]byte, error) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, errors.New("sealed data too short")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("decryption failed: authentication error")
	}
	return plaintext, nil
}

// SealWithNonce seals plaintext with a caller-chosen nonce. Tests only;
// production code should use Seal.
func SealWithNonce(plaintext []byte, key *[KeySize]byte, nonce *[NonceSize]byte) []byte {
	return secretbox.Seal(nonce[:], plaintext, nonce, key)
}
