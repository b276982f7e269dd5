package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: "file::memory:?cache=shared"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextMessageIDStartsAtOneWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	id, err := s.NextMessageID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("got %d, want 1", id)
	}
}

func TestPersistThenNextMessageIDIsMaxPlusOne(t *testing.T) {
	s := openTestStore(t)

	if err := s.Persist(PersistedMessage{MessageID: 42, Topic: "T", Payload: []byte("x"), Reliability: true}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		id, err := s.NextMessageID()
		if err != nil {
			t.Fatal(err)
		}
		if id == 43 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected next id 43, got %d", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(Config{Path: "file::memory:?cache=shared"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPersistAfterCloseReturnsError(t *testing.T) {
	s, err := Open(Config{Path: "file::memory:?cache=shared"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if err := s.Persist(PersistedMessage{MessageID: 1, Topic: "T", Payload: []byte("x")}); err == nil {
		t.Error("expected error persisting after close")
	}
}
