package store

import (
	"bytes"
	"sort"
	"testing"
)

func newTestKeyIndex(t *testing.T) *KeyIndex {
	t.Helper()
	bs := newTestBlockStore(t, 0)
	return NewKeyIndex(bs)
}

func TestKeyIndexSetGetRoundTrip(t *testing.T) {
	ki := newTestKeyIndex(t)
	if _, err := ki.Set("greeting", []byte("hi")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := ki.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("hi")) {
		t.Fatalf("Get = %q, want %q", got, "hi")
	}
}

func TestKeyIndexGetUnboundReturnsErrNotFound(t *testing.T) {
	ki := newTestKeyIndex(t)
	if _, err := ki.Get("nope"); err != ErrNotFound {
		t.Fatalf("Get(unbound) = %v, want ErrNotFound", err)
	}
}

// TestKeyIndexRebindFreesSupersededBlock covers the rebind: a second Set
// on the same key must bind a new block ID, free the block it replaces,
// and leave Get returning the new bytes. It runs sequentially and does
// not exercise concurrent readers.
func TestKeyIndexRebindFreesSupersededBlock(t *testing.T) {
	ki := newTestKeyIndex(t)
	oldID, err := ki.Set("k", []byte("first"))
	if err != nil {
		t.Fatalf("Set(first): %v", err)
	}
	if _, err := ki.blocks.Load(oldID); err != nil {
		t.Fatalf("sanity Load(oldID): %v", err)
	}

	newID, err := ki.Set("k", []byte("second"))
	if err != nil {
		t.Fatalf("Set(second): %v", err)
	}
	if newID == oldID {
		t.Fatalf("rebind reused the old block id")
	}

	if _, err := ki.blocks.Load(oldID); err != ErrNotFound {
		t.Fatalf("superseded block still present: %v", err)
	}
	got, err := ki.Get("k")
	if err != nil {
		t.Fatalf("Get after rebind: %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("Get after rebind = %q, want %q", got, "second")
	}
}

func TestKeyIndexKeysGlobMatch(t *testing.T) {
	ki := newTestKeyIndex(t)
	for _, k := range []string{"users/1", "users/2", "sessions/1"} {
		if _, err := ki.Set(k, []byte(k)); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}
	got, err := ki.Keys("users/*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(got)
	want := []string{"users/1", "users/2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Keys(users/*) = %v, want %v", got, want)
	}
}
