// Package identity encodes and verifies the signed connection tokens clients
// present on their first frame. Tokens follow the format:
// <base58(payload+checksum)>.<base58(ed25519 signature over payload)>
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"

	"github.com/mr-tron/base58"
)

const checksumLen = 4

var tokenRegex = regexp.MustCompile(`^([1-9A-HJ-NP-Za-km-z]+)\.([1-9A-HJ-NP-Za-km-z]+)$`)

var (
	ErrChecksumMismatch = errors.New("token checksum mismatch")
	ErrBadSignature     = errors.New("token signature invalid")
)

// GenerateToken signs payload with the issuer key and returns the encoded
// token. The payload segment is base58(payload + sha256(payload)[0:4]).
func GenerateToken(payload []byte, issuer ed25519.PrivateKey) string {
	sig := ed25519.Sign(issuer, payload)
	return fmt.Sprintf("%s.%s", encodeSegment(payload), base58.Encode(sig))
}

// VerifyToken parses token, checks the payload checksum and the Ed25519
// signature against the issuer public key, and returns the signed payload.
func VerifyToken(token string, issuer ed25519.PublicKey) ([]byte, error) {
	payloadSeg, sigSeg, err := ParseToken(token)
	if err != nil {
		return nil, err
	}

	payload, err := decodeSegment(payloadSeg)
	if err != nil {
		return nil, err
	}

	sig, err := base58.Decode(sigSeg)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}

	if !ed25519.Verify(issuer, payload, sig) {
		return nil, ErrBadSignature
	}
	return payload, nil
}

// ParseToken splits a token into its payload and signature segments.
// It validates the format but does not verify checksum or signature.
func ParseToken(token string) (payload string, signature string, err error) {
	matches := tokenRegex.FindStringSubmatch(token)
	if matches == nil {
		return "", "", fmt.Errorf("invalid token format: %q", truncate(token, 32))
	}
	return matches[1], matches[2], nil
}

func encodeSegment(payload []byte) string {
	hash := sha256.Sum256(payload)
	buf := make([]byte, 0, len(payload)+checksumLen)
	buf = append(buf, payload...)
	buf = append(buf, hash[:checksumLen]...)
	return base58.Encode(buf)
}

func decodeSegment(seg string) ([]byte, error) {
	decoded, err := base58.Decode(seg)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in payload: %w", err)
	}
	if len(decoded) <= checksumLen {
		return nil, fmt.Errorf("invalid payload length: %d", len(decoded))
	}

	payload := decoded[:len(decoded)-checksumLen]
	checksum := decoded[len(decoded)-checksumLen:]

	hash := sha256.Sum256(payload)
	for i := 0; i < checksumLen; i++ {
		if checksum[i] != hash[i] {
			return nil, ErrChecksumMismatch
		}
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
