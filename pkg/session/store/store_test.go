package store

import (
	"testing"
	"time"
)

func newRecord(t *testing.T, pubkey byte) Record {
	t.Helper()
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	return Record{
		SessionID:    sid,
		ChannelKey:   [32]byte{pubkey},
		ClientPubkey: []byte{pubkey, pubkey, pubkey},
	}
}

func TestInsertAndLookup(t *testing.T) {
	s := New(0, 0)
	rec := newRecord(t, 0xaa)
	s.Insert(rec)

	got, err := s.Lookup(rec.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.SessionID != rec.SessionID {
		t.Fatalf("looked up wrong session")
	}
}

func TestLookupUnknownSessionFails(t *testing.T) {
	s := New(0, 0)
	var sid [16]byte
	if _, err := s.Lookup(sid); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLookupByPubkeyDeprecatedFallback(t *testing.T) {
	s := New(0, 0)
	rec := newRecord(t, 0xbb)
	s.Insert(rec)

	got, err := s.LookupByPubkey(rec.ClientPubkey)
	if err != nil {
		t.Fatalf("lookup by pubkey: %v", err)
	}
	if got.SessionID != rec.SessionID {
		t.Fatal("looked up wrong session by pubkey")
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	s := New(0, 0)
	rec := newRecord(t, 0xcc)
	s.Insert(rec)
	s.Delete(rec.SessionID)

	if _, err := s.Lookup(rec.SessionID); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	s := New(0, 10*time.Millisecond)
	rec := newRecord(t, 0xdd)
	s.Insert(rec)

	time.Sleep(30 * time.Millisecond)
	if _, err := s.Lookup(rec.SessionID); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after idle timeout", err)
	}
}

func TestEvictsOldestWhenAtCapacity(t *testing.T) {
	s := New(2, 0)
	first := newRecord(t, 1)
	second := newRecord(t, 2)
	third := newRecord(t, 3)

	s.Insert(first)
	time.Sleep(time.Millisecond)
	s.Insert(second)
	time.Sleep(time.Millisecond)
	s.Insert(third)

	if _, err := s.Lookup(first.SessionID); err != ErrNotFound {
		t.Fatal("expected oldest session to be evicted at capacity")
	}
	if _, err := s.Lookup(second.SessionID); err != nil {
		t.Fatalf("second session should still be live: %v", err)
	}
	if _, err := s.Lookup(third.SessionID); err != nil {
		t.Fatalf("third session should still be live: %v", err)
	}
}

func TestLenCountsOnlyLiveSessions(t *testing.T) {
	s := New(0, 10*time.Millisecond)
	s.Insert(newRecord(t, 1))
	s.Insert(newRecord(t, 2))
	if got := s.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := s.Len(); got != 0 {
		t.Fatalf("len after expiry = %d, want 0", got)
	}
}
