package cache

import (
	"testing"
	"time"

	"github.com/openkb/qgen/internal/api"
)

func TestGetReturnsStoredEntry(t *testing.T) {
	c := NewPrereqCache(Config{TTL: time.Minute})
	signature := c.BuildSignature("bounds", "kb1", "d1")

	c.Set(signature, Entry{Bounds: api.Bounds{Recommended: 20, Limit: 100}})

	entry, ok := c.Get(signature)
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if entry.Bounds.Recommended != 20 || entry.Bounds.Limit != 100 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := NewPrereqCache(Config{TTL: time.Minute})
	signature := c.BuildSignature("first", "kb1")

	c.Set(signature, Entry{FirstGeneration: true})
	c.mu.Lock()
	entry := c.entries[signature]
	entry.ExpiresAt = time.Now().UTC().Add(-time.Second)
	c.entries[signature] = entry
	c.mu.Unlock()

	if _, ok := c.Get(signature); ok {
		t.Fatalf("expected expired entry to miss")
	}
	c.mu.RLock()
	_, lingering := c.entries[signature]
	c.mu.RUnlock()
	if lingering {
		t.Fatalf("expired entry must be evicted on read")
	}
}

func TestSignatureNormalizesParts(t *testing.T) {
	c := NewPrereqCache(Config{})
	a := c.BuildSignature("Bounds", " KB1 ", "d1")
	b := c.BuildSignature("bounds", "kb1", "d1")
	if a != b {
		t.Fatalf("signatures must normalize case and whitespace")
	}
	if a == c.BuildSignature("bounds", "kb1", "d2") {
		t.Fatalf("different scopes must not collide")
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := NewPrereqCache(Config{TTL: time.Minute, MaxEntries: 2})

	c.Set("first", Entry{})
	c.mu.Lock()
	entry := c.entries["first"]
	entry.CreatedAt = entry.CreatedAt.Add(-time.Hour)
	c.entries["first"] = entry
	c.mu.Unlock()

	c.Set("second", Entry{})
	c.Set("third", Entry{})

	if _, ok := c.Get("first"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := c.Get("third"); !ok {
		t.Fatalf("newest entry must survive eviction")
	}
}
