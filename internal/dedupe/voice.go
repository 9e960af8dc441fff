// Package dedupe suppresses duplicate voice sends within a short window.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity and window limits.
const (
	MaxChats        = 500
	MaxPerChat      = 50
	DefaultWindowMs = 10_000
)

// Fingerprint hashes a payload into its dedupe key.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Params identifies one send attempt.
type Params struct {
	AccountID   string
	ChatID      string
	Fingerprint string
	Now         time.Time
	WindowMs    int64
}

// Deduper tracks recent fingerprints per chat. Chats are evicted LRU beyond
// MaxChats; fingerprints per chat beyond MaxPerChat. Safe for concurrent use.
type Deduper struct {
	mu    sync.Mutex
	chats *lru.Cache[string, *lru.Cache[string, int64]]
}

// New builds an empty deduper.
func New() *Deduper {
	chats, _ := lru.New[string, *lru.Cache[string, int64]](MaxChats)
	return &Deduper{chats: chats}
}

// ShouldDedupe reports whether this send is a duplicate of one seen within
// the window. A non-duplicate is recorded as seen.
func (d *Deduper) ShouldDedupe(p Params) bool {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	windowMs := p.WindowMs
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	nowMs := now.UnixMilli()
	chatKey := p.AccountID + ":" + p.ChatID

	d.mu.Lock()
	defer d.mu.Unlock()

	chat, ok := d.chats.Get(chatKey)
	if !ok {
		chat, _ = lru.New[string, int64](MaxPerChat)
		d.chats.Add(chatKey, chat)
	}

	// Lazy prune from the oldest end, stopping at the first live entry.
	for _, fp := range chat.Keys() {
		ts, ok := chat.Peek(fp)
		if !ok {
			continue
		}
		if nowMs-ts <= windowMs {
			break
		}
		chat.Remove(fp)
	}

	if ts, ok := chat.Peek(p.Fingerprint); ok && nowMs-ts <= windowMs {
		chat.Get(p.Fingerprint) // refresh recency
		return true
	}

	chat.Add(p.Fingerprint, nowMs)
	return false
}

// Chats returns the number of tracked chats.
func (d *Deduper) Chats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chats.Len()
}
