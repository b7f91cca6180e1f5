// Package txn runs one operation per entity as a single serialized
// database transaction.
package txn

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Locks hands out one mutex per entity key. Entries are dropped once no
// goroutine holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is free and returns its release function.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run executes fn inside one transaction while holding the lock for key.
// Everything fn does must go through tx.
func Run(ctx context.Context, db *gorm.DB, locks *Locks, key string, fn func(tx *gorm.DB) error) error {
	unlock := locks.Lock(key)
	defer unlock()
	return db.WithContext(ctx).Transaction(fn)
}
