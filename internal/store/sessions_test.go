package store_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/infergate/gateway/internal/crypto"
	"github.com/infergate/gateway/internal/store"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sessions-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	db, err := bolt.Open(f.Name(), 0600, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDB_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	db, err := store.OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, err := store.NewSessions(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	ctx := context.Background()
	claims := []byte(`{"sub":42,"exp":1700003600}`)

	if err := s.Put(ctx, "sess-1", 42, claims, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.SessionID != "sess-1" || rec.UserID != 42 {
		t.Errorf("unexpected record %+v", rec)
	}
	if !bytes.Equal(rec.Claims, claims) {
		t.Errorf("claims mismatch: got %s, want %s", rec.Claims, claims)
	}
	if s.Count() != 1 {
		t.Errorf("expected count 1, got %d", s.Count())
	}
}

func TestPut_SealsClaimsAtRest(t *testing.T) {
	db := openTestDB(t)
	var key [crypto.KeySize]byte
	key[0] = 9
	s, err := store.NewSessions(db, &key)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	ctx := context.Background()
	claims := []byte(`{"sub":42,"role":"secret-marker"}`)

	if err := s.Put(ctx, "sess-1", 42, claims, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_ = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte("session_data")).Get([]byte("sess-1"))
		if bytes.Contains(raw, []byte("secret-marker")) {
			t.Error("claims stored in plaintext despite seal key")
		}
		return nil
	})

	rec, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(rec.Claims, claims) {
		t.Errorf("claims mismatch after unseal: got %s", rec.Claims)
	}

	// A store opened without the key cannot read sealed claims.
	plain, err := store.NewSessions(db, nil)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	if _, err := plain.Get(ctx, "sess-1"); err == nil {
		t.Error("expected error reading sealed claims without key")
	}
}

func TestPut_RejectsInvalidInput(t *testing.T) {
	s, _ := store.NewSessions(openTestDB(t), nil)
	ctx := context.Background()

	if err := s.Put(ctx, "", 1, nil, time.Hour); err == nil {
		t.Error("expected error for empty session id")
	}
	if err := s.Put(ctx, "sess", 1, nil, 0); err == nil {
		t.Error("expected error for zero ttl")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Put(cancelled, "sess", 1, nil, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDelete_RemovesRecordAndIsIdempotent(t *testing.T) {
	s, _ := store.NewSessions(openTestDB(t), nil)
	ctx := context.Background()

	if err := s.Put(ctx, "sess-1", 42, nil, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete unknown: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("expected count 0, got %d", s.Count())
	}
}

func TestGet_UnknownSession(t *testing.T) {
	s, _ := store.NewSessions(openTestDB(t), nil)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweepExpired_PreservesLiveSessions(t *testing.T) {
	s, _ := store.NewSessions(openTestDB(t), nil)
	ctx := context.Background()

	if err := s.Put(ctx, "sess-1", 42, nil, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := s.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing swept, got %d", n)
	}
	if _, err := s.Get(ctx, "sess-1"); err != nil {
		t.Fatalf("live session missing after sweep: %v", err)
	}
}

func TestSweepExpired_ReturnsErrorWhenDBClosed(t *testing.T) {
	db := openTestDB(t)
	s, _ := store.NewSessions(db, nil)

	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	if _, err := s.SweepExpired(); err == nil {
		t.Fatal("expected error from SweepExpired on closed database")
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	s, _ := store.NewSessions(openTestDB(t), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}
