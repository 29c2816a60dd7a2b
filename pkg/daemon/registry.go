package daemon

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Key identifies one segment of one executable.
type Key struct {
	Identity uint64
	Vaddr    uint64
}

// Entry is a published shared file.
type Entry struct {
	Key
	Path     string
	LastUsed time.Time
}

// registry is the recency ordered set of published entries. The LRU's hash
// index keeps at most one entry per key; removal by any route unlinks the
// file. It is only touched by the serve loop.
type registry struct {
	lru *simplelru.LRU[Key, *Entry]
	// reason labels the next removal for the metrics.
	reason  string
	removed func(e *Entry, reason string)
}

func newRegistry(size int, removed func(e *Entry, reason string)) (*registry, error) {
	r := &registry{removed: removed, reason: "evicted"}
	lru, err := simplelru.NewLRU[Key, *Entry](size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.lru = lru
	return r, nil
}

func (r *registry) onEvict(_ Key, e *Entry) {
	if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("unlink %s: %v", e.Path, err)
	}
	if r.removed != nil {
		r.removed(e, r.reason)
	}
}

func (r *registry) withReason(reason string, fn func()) {
	r.reason = reason
	fn()
	r.reason = "evicted"
}

// lookup returns the entry for k, moves it to the front and refreshes its
// timestamp.
func (r *registry) lookup(k Key, now time.Time) (*Entry, bool) {
	e, ok := r.lru.Get(k)
	if !ok {
		return nil, false
	}
	e.LastUsed = now
	return e, true
}

// publish inserts e at the front, evicting the oldest entry when full.
func (r *registry) publish(e *Entry) {
	r.lru.Add(e.Key, e)
}

func (r *registry) remove(k Key, reason string) {
	r.withReason(reason, func() { r.lru.Remove(k) })
}

// reap removes entries unused since before cutoff, oldest first.
func (r *registry) reap(cutoff time.Time) int {
	n := 0
	r.withReason("idle", func() {
		for {
			_, e, ok := r.lru.GetOldest()
			if !ok || !e.LastUsed.Before(cutoff) {
				return
			}
			r.lru.RemoveOldest()
			n++
		}
	})
	return n
}

// purge removes every entry.
func (r *registry) purge() {
	r.withReason("shutdown", r.lru.Purge)
}

func (r *registry) len() int {
	return r.lru.Len()
}
