// Command tokencheck reads an issuer public key and a connection token as
// JSON from stdin, verifies the token, and writes its claims as JSON to
// stdout.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/crypto"
)

type input struct {
	IssuerPublicKey string `json:"issuer_public_key"`
	Token           string `json:"token"`
}

type output struct {
	auth.Claims
	Expired bool `json:"expired"`
}

func main() {
	var in input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode input: %v\n", err)
		os.Exit(1)
	}

	raw, err := hex.DecodeString(in.IssuerPublicKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid issuer public key hex: %v\n", err)
		os.Exit(1)
	}
	pub, err := crypto.ValidateEd25519PublicKey(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid issuer public key: %v\n", err)
		os.Exit(1)
	}

	claims, err := auth.ParseClaims(in.Token, pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify token: %v\n", err)
		os.Exit(1)
	}

	out := output{Claims: claims, Expired: claims.ExpiresAt <= time.Now().Unix()}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}
