// Command tokenmint reads an issuer seed and a user id as JSON from stdin,
// signs a connection token, and writes it with the issuer public key as JSON
// to stdout.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/infergate/gateway/internal/auth"
)

type input struct {
	IssuerSeed string `json:"issuer_seed"`
	UserID     uint64 `json:"user_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type output struct {
	Token           string `json:"token"`
	IssuerPublicKey string `json:"issuer_public_key"`
	ExpiresAt       int64  `json:"expires_at"`
}

func main() {
	var in input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode input: %v\n", err)
		os.Exit(1)
	}

	seed, err := hex.DecodeString(in.IssuerSeed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid issuer seed hex: %v\n", err)
		os.Exit(1)
	}
	if len(seed) != ed25519.SeedSize {
		fmt.Fprintf(os.Stderr, "issuer seed must be %d bytes, got %d\n", ed25519.SeedSize, len(seed))
		os.Exit(1)
	}
	if in.TTLSeconds == 0 {
		in.TTLSeconds = 3600
	}

	priv := ed25519.NewKeyFromSeed(seed)
	now := time.Now()
	ttl := time.Duration(in.TTLSeconds) * time.Second
	token, err := auth.IssueToken(priv, in.UserID, ttl, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	out := output{
		Token:           token,
		IssuerPublicKey: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		ExpiresAt:       now.Add(ttl).Unix(),
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}
