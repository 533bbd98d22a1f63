// Package auth validates the first frame of a gateway connection and turns
// it into an authenticated identity.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/infergate/gateway/internal/crypto"
	"github.com/infergate/gateway/internal/identity"
	"github.com/infergate/gateway/internal/protocol"
)

// Identity is the result of a successful authentication.
type Identity struct {
	UserID uint64
	// Claims is the serialized claim set, persisted with the session.
	Claims []byte
}

// Rejection carries an HTTP-like status code and a client-facing message.
type Rejection struct {
	Code    int
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%d: %s", r.Code, r.Message)
}

func reject(code int, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg}
}

// Claims is the signed payload of a connection token.
type Claims struct {
	Subject   uint64 `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenAuthenticator accepts a start_connection frame carrying a token
// signed by a trusted Ed25519 issuer.
type TokenAuthenticator struct {
	issuer ed25519.PublicKey
	now    func() time.Time
}

// NewTokenAuthenticator validates issuerKey and returns an authenticator
// trusting it.
func NewTokenAuthenticator(issuerKey []byte) (*TokenAuthenticator, error) {
	pub, err := crypto.ValidateEd25519PublicKey(issuerKey)
	if err != nil {
		return nil, fmt.Errorf("issuer key: %w", err)
	}
	return &TokenAuthenticator{issuer: pub, now: time.Now}, nil
}

// Authenticate validates the first frame of a connection.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, typ websocket.MessageType, data []byte) (Identity, *Rejection) {
	if typ != websocket.MessageText {
		return Identity{}, reject(http.StatusBadRequest, "Only text messages are supported")
	}

	req := protocol.Classify(data)
	if req.Kind != protocol.KindStartConnection {
		return Identity{}, reject(http.StatusBadRequest, "Expected start_connection message")
	}
	if req.Token == "" {
		return Identity{}, reject(http.StatusUnauthorized, "Missing token")
	}

	payload, err := identity.VerifyToken(req.Token, a.issuer)
	if err != nil {
		slog.Debug("token verification failed", "error", err)
		return Identity{}, reject(http.StatusUnauthorized, "Invalid token")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Identity{}, reject(http.StatusUnauthorized, "Invalid token claims")
	}
	if claims.Subject == 0 {
		return Identity{}, reject(http.StatusUnauthorized, "Invalid token subject")
	}
	if claims.ExpiresAt <= a.now().Unix() {
		return Identity{}, reject(http.StatusUnauthorized, "Token expired")
	}

	return Identity{UserID: claims.Subject, Claims: payload}, nil
}

// IssueToken mints a token for userID valid for ttl from now.
func IssueToken(issuer ed25519.PrivateKey, userID uint64, ttl time.Duration, now time.Time) (string, error) {
	if userID == 0 {
		return "", errors.New("user id must be non-zero")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid token ttl %s", ttl)
	}
	payload, err := json.Marshal(Claims{
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	return identity.GenerateToken(payload, issuer), nil
}

// ParseClaims decodes and checks a token without regard to expiry.
func ParseClaims(token string, issuer ed25519.PublicKey) (Claims, error) {
	payload, err := identity.VerifyToken(token, issuer)
	if err != nil {
		return Claims{}, err
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("decode claims: %w", err)
	}
	return claims, nil
}
