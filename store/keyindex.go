package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const keyKeyPrefix = "k:"

// KeyIndex is the `key -> block_id` map, layered on top of a
// BlockStore. keyMu makes the rebind-then-free sequence in Set appear
// atomic to concurrent Get calls: Get holds the read lock for the
// resolve-then-load sequence, so it can never observe a block ID after
// it has already been freed by a concurrent Set's write-lock critical
// section.
type KeyIndex struct {
	blocks *BlockStore
	keyMu  sync.RWMutex
}

// NewKeyIndex wraps an existing BlockStore with key binding.
func NewKeyIndex(blocks *BlockStore) *KeyIndex {
	return &KeyIndex{blocks: blocks}
}

func keyWireKey(key string) []byte {
	return append([]byte(keyKeyPrefix), key...)
}

// Set stores data as a new block and atomically rebinds key to it,
// freeing the previously bound block if any.
func (k *KeyIndex) Set(key string, data []byte) (uint64, error) {
	k.keyMu.Lock()
	defer k.keyMu.Unlock()

	newID, err := k.blocks.Store(data)
	if err != nil {
		return 0, err
	}

	wireKey := keyWireKey(key)
	var oldID uint64
	haveOld := false
	if value, closer, err := k.blocks.db.Get(wireKey); err == nil {
		oldID = binary.BigEndian.Uint64(value)
		haveOld = true
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("keyindex: read existing binding for %q: %w", key, err)
	}

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], newID)
	if err := k.blocks.db.Set(wireKey, idBuf[:], pebble.NoSync); err != nil {
		return 0, fmt.Errorf("keyindex: bind %q: %w", key, err)
	}

	if haveOld {
		if err := k.blocks.Free(oldID); err != nil {
			return 0, fmt.Errorf("keyindex: free superseded block for %q: %w", key, err)
		}
	}

	return newID, nil
}

// Get resolves key to its bound block and returns its bytes.
func (k *KeyIndex) Get(key string) ([]byte, error) {
	k.keyMu.RLock()
	defer k.keyMu.RUnlock()

	id, err := k.resolveLocked(key)
	if err != nil {
		return nil, err
	}
	return k.blocks.Load(id)
}

// resolveLocked looks up the block ID bound to key. Caller must hold
// keyMu (read or write).
func (k *KeyIndex) resolveLocked(key string) (uint64, error) {
	value, closer, err := k.blocks.db.Get(keyWireKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("keyindex: resolve %q: %w", key, err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), nil
}

// Keys enumerates bound keys matching a shell-style glob pattern (`*`,
// `?`).
func (k *KeyIndex) Keys(pattern string) ([]string, error) {
	k.keyMu.RLock()
	defer k.keyMu.RUnlock()

	lower := []byte(keyKeyPrefix)
	upper := append([]byte{}, lower...)
	upper[len(upper)-1]++ // "k:" -> "k;" as an exclusive upper bound over the prefix

	iter, err := k.blocks.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("keyindex: iterate: %w", err)
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), keyKeyPrefix)
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("keyindex: invalid pattern %q: %w", pattern, err)
		}
		if matched {
			out = append(out, key)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("keyindex: iteration error: %w", err)
	}
	return out, nil
}
