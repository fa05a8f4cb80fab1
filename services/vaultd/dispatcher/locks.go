package dispatcher

import (
	"sort"
	"sync"

	"vaultguard/native/escrow"
	"vaultguard/native/vault"
)

// LockManager hands out mutexes keyed by resource name. Acquire always locks
// keys in sorted order so two callers touching overlapping sets cannot
// deadlock.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockManager constructs an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

// Acquire locks every key and returns the matching unlock function.
func (m *LockManager) Acquire(keys ...string) func() {
	sorted := dedupe(keys)
	held := make([]*keyLock, 0, len(sorted))
	for _, key := range sorted {
		lock := m.ref(key)
		lock.mu.Lock()
		held = append(held, lock)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
			}
			for _, key := range sorted {
				m.unref(key)
			}
		})
	}
}

func (m *LockManager) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{}
		m.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (m *LockManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently referenced.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// CommitKeys returns the lock keys guarding a replenishment of addr touching
// tokens.
func CommitKeys(addr string, tokens []string) []string {
	keys := make([]string, 0, len(tokens)+1)
	keys = append(keys, "vault:"+vault.NormalizeAddress(addr))
	for _, token := range tokens {
		if symbol := escrow.NormalizeSymbol(token); symbol != "" {
			keys = append(keys, "token:"+symbol)
		}
	}
	return dedupe(keys)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
