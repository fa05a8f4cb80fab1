package dispatcher

import (
	"sync"
	"testing"
	"time"
)

func TestCommitKeys(t *testing.T) {
	got := CommitKeys("0xAB", []string{"weth", "USDC", "WETH", ""})
	want := []string{"token:USDC", "token:WETH", "vault:0xab"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestLockManagerOverlappingSets(t *testing.T) {
	m := NewLockManager()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := m.Acquire("token:USDC", "vault:0xa")
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := m.Acquire("vault:0xa", "token:USDC", "token:WETH")
			counter++
			unlock()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("lock acquisition deadlocked")
	}
	if counter != 100 {
		t.Fatalf("expected 100 increments, got %d", counter)
	}
	if m.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d", m.Len())
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	m := NewLockManager()
	unlock := m.Acquire("vault:0xa")
	unlock()
	unlock()
	again := m.Acquire("vault:0xa")
	again()
}
