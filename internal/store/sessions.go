package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/infergate/gateway/internal/crypto"
)

var (
	sessionDataBucket = []byte("session_data")
	sessionUserBucket = []byte("session_user")

	ErrSessionNotFound = errors.New("session not found or expired")
)

// timeNow is swapped by tests to control expiry.
var timeNow = time.Now

type dataEntry struct {
	Claims    []byte `json:"claims"`
	Sealed    bool   `json:"sealed,omitempty"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds
}

type userEntry struct {
	UserID    uint64 `json:"userId"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds
}

// Record is one authenticated connection's persisted identity state.
type Record struct {
	SessionID string
	UserID    uint64
	Claims    []byte
	ExpiresAt time.Time
}

// Sessions is a bbolt-backed session store. Each record is split across two
// buckets (claims blob and user id) that are always written, expired and
// deleted together in one transaction.
type Sessions struct {
	db      *bolt.DB
	sealKey *[crypto.KeySize]byte
}

// OpenDB opens (or creates) the bbolt database at path.
func OpenDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}
	return db, nil
}

// NewSessions creates or opens the session buckets in db. When sealKey is
// non-nil, claims blobs are sealed at rest with it.
func NewSessions(db *bolt.DB, sealKey *[crypto.KeySize]byte) (*Sessions, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionDataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sessionUserBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Sessions{db: db, sealKey: sealKey}, nil
}

// Put stores a session record that expires after ttl.
func (s *Sessions) Put(ctx context.Context, sessionID string, userID uint64, claims []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("empty session id")
	}
	if ttl <= 0 {
		return fmt.Errorf("invalid session ttl %s", ttl)
	}

	expiresAt := timeNow().Add(ttl).Unix()
	data := dataEntry{Claims: claims, ExpiresAt: expiresAt}
	if s.sealKey != nil {
		sealed, err := crypto.Seal(claims, s.sealKey)
		if err != nil {
			return fmt.Errorf("seal claims: %w", err)
		}
		data.Claims = sealed
		data.Sealed = true
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return err
	}
	userJSON, err := json.Marshal(userEntry{UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(sessionID)
		if err := tx.Bucket(sessionDataBucket).Put(key, dataJSON); err != nil {
			return err
		}
		return tx.Bucket(sessionUserBucket).Put(key, userJSON)
	})
}

// Get returns the live record for sessionID, or ErrSessionNotFound if it is
// missing, incomplete or expired.
func (s *Sessions) Get(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var data dataEntry
	var user userEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := []byte(sessionID)
		rawData := tx.Bucket(sessionDataBucket).Get(key)
		rawUser := tx.Bucket(sessionUserBucket).Get(key)
		if rawData == nil || rawUser == nil {
			return ErrSessionNotFound
		}
		if err := json.Unmarshal(rawData, &data); err != nil {
			return fmt.Errorf("decode session data: %w", err)
		}
		if err := json.Unmarshal(rawUser, &user); err != nil {
			return fmt.Errorf("decode session user: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	if data.ExpiresAt <= timeNow().Unix() {
		return Record{}, ErrSessionNotFound
	}

	claims := data.Claims
	if data.Sealed {
		if s.sealKey == nil {
			return Record{}, errors.New("session claims are sealed but no seal key is configured")
		}
		claims, err = crypto.Open(data.Claims, s.sealKey)
		if err != nil {
			return Record{}, fmt.Errorf("open claims: %w", err)
		}
	}

	return Record{
		SessionID: sessionID,
		UserID:    user.UserID,
		Claims:    claims,
		ExpiresAt: time.Unix(data.ExpiresAt, 0),
	}, nil
}

// Delete removes both halves of the record. Deleting an unknown session is
// not an error.
func (s *Sessions) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(sessionID)
		if err := tx.Bucket(sessionDataBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(sessionUserBucket).Delete(key)
	})
}

// Count returns the number of stored records, expired or not.
func (s *Sessions) Count() int {
	var n int
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(sessionDataBucket).Stats().KeyN
		return nil
	})
	return n
}

// SweepExpired removes every record whose TTL has passed and returns how
// many sessions were removed.
func (s *Sessions) SweepExpired() (int, error) {
	now := timeNow().Unix()
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		dataBucket := tx.Bucket(sessionDataBucket)
		userBucket := tx.Bucket(sessionUserBucket)

		var toDelete [][]byte
		err := dataBucket.ForEach(func(k, v []byte) error {
			var entry dataEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.ExpiresAt <= now {
				// Malformed entries are swept too.
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// User entries without a live data half are orphans.
		err = userBucket.ForEach(func(k, v []byte) error {
			var entry userEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.ExpiresAt <= now || dataBucket.Get(k) == nil {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(toDelete))
		for _, k := range toDelete {
			if _, dup := seen[string(k)]; dup {
				continue
			}
			seen[string(k)] = struct{}{}
			if err := dataBucket.Delete(k); err != nil {
				return err
			}
			if err := userBucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *Sessions) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.SweepExpired()
			if err != nil {
				slog.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired sessions swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
