// Package batcher implements micro-batching for capabilities declared
// batchable: incoming entries are appended to a BatchGroup keyed by
// (capability, bucket-key) and sealed by size, time, or explicit flush.
package batcher

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ai-gateway/orchestrator/internal/capability"
)

// Entry is one Job's contribution to a BatchGroup, carried in submission
// order through to seal.
type Entry struct {
	JobID string
	Body  json.RawMessage
}

// Seal is the sealed unit handed to the dispatcher: one backend call
// covering every Entry, in the order they were submitted.
type Seal struct {
	Capability capability.Capability
	BucketKey  string
	Entries    []Entry
	Reason     string // "size", "wait", "flush"
}

type groupKey struct {
	cap       capability.Capability
	bucketKey string
}

type group struct {
	mu      sync.Mutex
	key     groupKey
	openTS  time.Time
	entries []Entry
	sealed  bool
	timer   *time.Timer
}

// Batcher holds one open BatchGroup per (capability, bucket-key) at a time.
// onSeal is invoked at most once per group (not at all if every entry was
// removed before the seal), on the goroutine that seals it: the group's own
// wait timer, the submitting goroutine on a size seal, or the Flush caller.
type Batcher struct {
	mu       sync.Mutex
	groups   map[groupKey]*group
	maxSize  int
	maxWait  time.Duration
	onSeal   func(Seal)
}

func New(maxSize int, maxWait time.Duration, onSeal func(Seal)) *Batcher {
	return &Batcher{
		groups:  make(map[groupKey]*group),
		maxSize: maxSize,
		maxWait: maxWait,
		onSeal:  onSeal,
	}
}

// Submit appends (jobID, body) to the open group for (cap, bucketKey),
// opening one if absent, and seals it immediately if this submission
// reaches MaxSize.
func (b *Batcher) Submit(cap capability.Capability, bucketKey, jobID string, body json.RawMessage) {
	key := groupKey{cap: cap, bucketKey: bucketKey}

	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		g = &group{key: key, openTS: time.Now()}
		b.groups[key] = g
		g.timer = time.AfterFunc(b.maxWait, func() { b.sealTimeout(g) })
	}
	b.mu.Unlock()

	g.mu.Lock()
	if g.sealed {
		// Lost the race against a concurrent seal; open a fresh group.
		g.mu.Unlock()
		b.Submit(cap, bucketKey, jobID, body)
		return
	}
	g.entries = append(g.entries, Entry{JobID: jobID, Body: body})
	seal := len(g.entries) >= b.maxSize
	g.mu.Unlock()

	if seal {
		b.seal(g, "size")
	}
}

// Remove pulls one entry out of its still-open BatchGroup, used when a
// queued-but-not-yet-sealed Job is cancelled. Returns false once the group
// has already sealed (or the entry is gone), meaning the cancellation came
// too late to keep the Job out of the combined backend call.
func (b *Batcher) Remove(cap capability.Capability, bucketKey, jobID string) bool {
	key := groupKey{cap: cap, bucketKey: bucketKey}

	b.mu.Lock()
	g, ok := b.groups[key]
	b.mu.Unlock()
	if !ok {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return false
	}
	for i, e := range g.entries {
		if e.JobID == jobID {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Batcher) sealTimeout(g *group) {
	b.seal(g, "wait")
}

func (b *Batcher) seal(g *group, reason string) {
	g.mu.Lock()
	if g.sealed {
		g.mu.Unlock()
		return
	}
	g.sealed = true
	entries := g.entries
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()

	b.mu.Lock()
	if cur, ok := b.groups[g.key]; ok && cur == g {
		delete(b.groups, g.key)
	}
	b.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	b.onSeal(Seal{Capability: g.key.cap, BucketKey: g.key.bucketKey, Entries: entries, Reason: reason})
}

// Flush seals every currently-open group immediately, used on shutdown.
func (b *Batcher) Flush() {
	b.mu.Lock()
	groups := make([]*group, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		b.seal(g, "flush")
	}
}
