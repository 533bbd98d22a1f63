package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const issuerSeedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func testIssuer(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed, err := hex.DecodeString(issuerSeedHex)
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	return ed25519.NewKeyFromSeed(seed)
}

func newTestAuthenticator(t *testing.T, now time.Time) (*TokenAuthenticator, ed25519.PrivateKey) {
	t.Helper()
	priv := testIssuer(t)
	a, err := NewTokenAuthenticator(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("NewTokenAuthenticator: %v", err)
	}
	a.now = func() time.Time { return now }
	return a, priv
}

func startFrame(token string) []byte {
	return []byte(fmt.Sprintf(`{"type":"start_connection","token":%q}`, token))
}

func TestAuthenticate_AcceptsValidToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, priv := newTestAuthenticator(t, now)

	token, err := IssueToken(priv, 42, time.Hour, now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	id, rej := a.Authenticate(context.Background(), websocket.MessageText, startFrame(token))
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if id.UserID != 42 {
		t.Errorf("expected user 42, got %d", id.UserID)
	}
	if len(id.Claims) == 0 {
		t.Error("expected serialized claims")
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, priv := newTestAuthenticator(t, now)

	valid, _ := IssueToken(priv, 42, time.Hour, now)
	expired, _ := IssueToken(priv, 42, time.Minute, now.Add(-time.Hour))

	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	foreign, _ := IssueToken(otherPriv, 42, time.Hour, now)

	tests := []struct {
		name     string
		typ      websocket.MessageType
		frame    []byte
		wantCode int
		wantMsg  string
	}{
		{"binary frame", websocket.MessageBinary, startFrame(valid), http.StatusBadRequest, "Only text messages are supported"},
		{"not json", websocket.MessageText, []byte("hello"), http.StatusBadRequest, "Expected start_connection message"},
		{"ai request first", websocket.MessageText, []byte(`{"type":"ai_request","prompt":"hi"}`), http.StatusBadRequest, "Expected start_connection message"},
		{"missing token", websocket.MessageText, []byte(`{"type":"start_connection"}`), http.StatusUnauthorized, "Missing token"},
		{"garbage token", websocket.MessageText, startFrame("not-a-token"), http.StatusUnauthorized, "Invalid token"},
		{"foreign issuer", websocket.MessageText, startFrame(foreign), http.StatusUnauthorized, "Invalid token"},
		{"expired", websocket.MessageText, startFrame(expired), http.StatusUnauthorized, "Token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rej := a.Authenticate(context.Background(), tt.typ, tt.frame)
			if rej == nil {
				t.Fatal("expected rejection")
			}
			if rej.Code != tt.wantCode || rej.Message != tt.wantMsg {
				t.Errorf("got (%d, %q), want (%d, %q)", rej.Code, rej.Message, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestNewTokenAuthenticator_RejectsBadKey(t *testing.T) {
	if _, err := NewTokenAuthenticator([]byte("short")); err == nil {
		t.Fatal("expected error for short issuer key")
	}
}

func TestIssueToken_RejectsInvalidInput(t *testing.T) {
	priv := testIssuer(t)
	now := time.Now()
	if _, err := IssueToken(priv, 0, time.Hour, now); err == nil {
		t.Error("expected error for zero user id")
	}
	if _, err := IssueToken(priv, 1, 0, now); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestParseClaims(t *testing.T) {
	priv := testIssuer(t)
	now := time.Unix(1_700_000_000, 0)
	token, err := IssueToken(priv, 7, time.Hour, now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := ParseClaims(token, priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	want := Claims{Subject: 7, IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()}
	if claims != want {
		t.Errorf("got %+v, want %+v", claims, want)
	}
}
