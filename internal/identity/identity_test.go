package identity_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/infergate/gateway/internal/identity"
)

func mustKey(t *testing.T, seedHex string) ed25519.PrivateKey {
	t.Helper()
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		t.Fatalf("failed to decode hex %q: %v", seedHex, err)
	}
	return ed25519.NewKeyFromSeed(seed)
}

const (
	issuerSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	otherSeed  = "4ccd089b28ff96da9db6c346ec114e0f5b8a319f35aba624da8cf6ed4fb8a6fb"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	priv := mustKey(t, issuerSeed)
	pub := priv.Public().(ed25519.PublicKey)

	payload := []byte(`{"sub":42,"iat":1,"exp":2}`)
	token := identity.GenerateToken(payload, priv)

	got, err := identity.VerifyToken(token, pub)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch:\n  got  %s\n  want %s", got, payload)
	}
}

func TestVerifyTokenRejectsWrongIssuer(t *testing.T) {
	priv := mustKey(t, issuerSeed)
	other := mustKey(t, otherSeed).Public().(ed25519.PublicKey)

	token := identity.GenerateToken([]byte(`{"sub":1}`), priv)
	_, err := identity.VerifyToken(token, other)
	if !errors.Is(err, identity.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyTokenRejectsTamperedPayload(t *testing.T) {
	priv := mustKey(t, issuerSeed)
	pub := priv.Public().(ed25519.PublicKey)

	token := identity.GenerateToken([]byte(`{"sub":1}`), priv)
	payloadSeg, sigSeg, err := identity.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}

	raw, err := base58.Decode(payloadSeg)
	if err != nil {
		t.Fatalf("base58.Decode: %v", err)
	}
	raw[0] ^= 0xff
	tampered := base58.Encode(raw) + "." + sigSeg

	_, err = identity.VerifyToken(tampered, pub)
	if !errors.Is(err, identity.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestVerifyTokenRejectsMalformed(t *testing.T) {
	pub := mustKey(t, issuerSeed).Public().(ed25519.PublicKey)

	cases := []string{
		"",
		"no-dot-here",
		"abc.",
		".abc",
		"0OIl.abc",
		"abc.def.ghi",
		"2g.3x",
	}
	for _, token := range cases {
		if _, err := identity.VerifyToken(token, pub); err == nil {
			t.Errorf("VerifyToken should have failed for %q", token)
		}
	}
}

func TestParseTokenTruncatesLongInputInError(t *testing.T) {
	_, _, err := identity.ParseToken(strings.Repeat("!", 200))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(err.Error()) > 80 {
		t.Errorf("error message not truncated: %q", err.Error())
	}
}
