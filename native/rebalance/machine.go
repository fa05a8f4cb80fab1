package rebalance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrVaultRequired = errors.New("rebalance: vault required")
	ErrNoTimer       = errors.New("rebalance: no timer for vault")
	ErrNotExpired    = errors.New("rebalance: timer has not expired")
	ErrNotActive     = errors.New("rebalance: timer is not active")
	ErrActorRequired = errors.New("rebalance: actor required")
)

// CompletedBy is recorded as the resolver when a replenishment clears the
// deficit of a vault under an active timer.
const CompletedBy = "replenishment"

// Option customises a Machine.
type Option func(*Machine)

// WithTotalSeconds overrides the countdown length.
func WithTotalSeconds(seconds int64) Option {
	return func(m *Machine) {
		if seconds > 0 {
			m.total = seconds
		}
	}
}

// WithHistoryLimit bounds the number of resolved records retained in memory.
func WithHistoryLimit(limit int) Option {
	return func(m *Machine) {
		if limit > 0 {
			m.historyLimit = limit
		}
	}
}

// Machine owns every rebalance timer. Exactly one driver is expected to call
// Tick; all other methods are safe to call concurrently with it.
type Machine struct {
	mu           sync.Mutex
	total        int64
	historyLimit int
	live         map[string]*Timer
	history      []Timer
}

// NewMachine constructs an empty state machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		total:        DefaultTotalSeconds,
		historyLimit: 1000,
		live:         make(map[string]*Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// TotalSeconds reports the configured countdown length.
func (m *Machine) TotalSeconds() int64 { return m.total }

// Start opens a timer for vault. When the vault already has an active or
// unresolved expired timer the existing record is returned unchanged and
// created is false.
func (m *Machine) Start(vault string, now time.Time) (Timer, bool, error) {
	key := normalizeVault(vault)
	if key == "" {
		return Timer{}, false, ErrVaultRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.live[key]; ok {
		return *existing, false, nil
	}
	timer := newTimer(key, m.total, now, 1)
	m.live[key] = timer
	return *timer, true, nil
}

// Tick advances every active countdown by one second. All decrements happen
// before any expiry is evaluated. Timers that expired in this tick are
// returned.
func (m *Machine) Tick(now time.Time) []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, timer := range m.live {
		if timer.State == StateActive && timer.CountdownSeconds > 0 {
			timer.CountdownSeconds--
		}
	}
	var expired []Timer
	for _, timer := range m.live {
		if timer.State == StateActive && timer.CountdownSeconds <= 0 {
			timer.expire(now)
			expired = append(expired, *timer)
		}
	}
	sortByVault(expired)
	return expired
}

// Retry resolves an expired timer as non-compliant and starts a fresh one.
func (m *Machine) Retry(vault, actor string, now time.Time) (resolved Timer, fresh Timer, err error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Timer{}, Timer{}, ErrActorRequired
	}
	key := normalizeVault(vault)
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, err := m.expiredLocked(key)
	if err != nil {
		return Timer{}, Timer{}, err
	}
	timer.resolve(ResolutionRetried, actor, false, now)
	m.archiveLocked(*timer)
	next := newTimer(key, m.total, now, timer.Attempt+1)
	m.live[key] = next
	return *timer, *next, nil
}

// Force resolves an expired timer by operator override. The record keeps
// OperatorCompliance false permanently.
func (m *Machine) Force(vault, actor string, now time.Time) (Timer, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Timer{}, ErrActorRequired
	}
	key := normalizeVault(vault)
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, err := m.expiredLocked(key)
	if err != nil {
		return Timer{}, err
	}
	timer.resolve(ResolutionForced, actor, false, now)
	m.archiveLocked(*timer)
	delete(m.live, key)
	return *timer, nil
}

// Complete resolves an active timer as compliant.
func (m *Machine) Complete(vault string, now time.Time) (Timer, error) {
	key := normalizeVault(vault)
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.live[key]
	if !ok {
		return Timer{}, fmt.Errorf("%w: %s", ErrNoTimer, key)
	}
	if timer.State != StateActive {
		return Timer{}, fmt.Errorf("%w: %s is %s", ErrNotActive, key, timer.State)
	}
	timer.resolve(ResolutionCompleted, CompletedBy, true, now)
	m.archiveLocked(*timer)
	delete(m.live, key)
	return *timer, nil
}

func (m *Machine) expiredLocked(key string) (*Timer, error) {
	timer, ok := m.live[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTimer, key)
	}
	if timer.State != StateExpired {
		return nil, fmt.Errorf("%w: %s has %ds left", ErrNotExpired, key, timer.CountdownSeconds)
	}
	return timer, nil
}

func (m *Machine) archiveLocked(timer Timer) {
	m.history = append(m.history, timer)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append([]Timer(nil), m.history[over:]...)
	}
}

// Get returns the live timer for vault.
func (m *Machine) Get(vault string) (Timer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.live[normalizeVault(vault)]
	if !ok {
		return Timer{}, false
	}
	return *timer, true
}

// State returns the lifecycle state of vault. Vaults without a live timer are
// idle.
func (m *Machine) State(vault string) State {
	timer, ok := m.Get(vault)
	if !ok {
		return StateIdle
	}
	return timer.State
}

// Active lists running timers, soonest to expire first.
func (m *Machine) Active() []Timer {
	out := m.collect(StateActive)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CountdownSeconds != out[j].CountdownSeconds {
			return out[i].CountdownSeconds < out[j].CountdownSeconds
		}
		return out[i].Vault < out[j].Vault
	})
	return out
}

// TimedOut lists expired, unresolved timers ordered by expiry.
func (m *Machine) TimedOut() []Timer {
	out := m.collect(StateExpired)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Vault < out[j].Vault
	})
	return out
}

// History returns resolved records in resolution order.
func (m *Machine) History() []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Timer(nil), m.history...)
}

func (m *Machine) collect(state State) []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timer, 0, len(m.live))
	for _, timer := range m.live {
		if timer.State == state {
			out = append(out, *timer)
		}
	}
	return out
}

// Restore replaces the machine state with persisted records. Active
// countdowns are recomputed from ExpiresAt, rounding partial seconds up; a
// deadline already in the past yields an expired timer. When several live
// records exist for one vault the most recently started wins, and a live
// record started no later than a resolved record of the same vault is
// dropped since resolution is terminal. Timers that expired while the
// process was down are returned.
func (m *Machine) Restore(timers []Timer, now time.Time) []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = make(map[string]*Timer, len(timers))
	m.history = m.history[:0]

	resolvedStart := make(map[string]time.Time)
	candidates := make(map[string]Timer)
	for _, record := range timers {
		timer := record
		timer.Vault = normalizeVault(timer.Vault)
		if timer.Vault == "" {
			continue
		}
		switch timer.State {
		case StateResolved:
			m.archiveLocked(timer)
			if started := timer.StartedAt.Truncate(time.Microsecond); started.After(resolvedStart[timer.Vault]) {
				resolvedStart[timer.Vault] = started
			}
		case StateActive, StateExpired:
			if existing, ok := candidates[timer.Vault]; ok && !timer.StartedAt.After(existing.StartedAt) {
				continue
			}
			candidates[timer.Vault] = timer
		}
	}

	var lapsed []Timer
	for key, candidate := range candidates {
		timer := candidate
		if last, ok := resolvedStart[key]; ok && !timer.StartedAt.Truncate(time.Microsecond).After(last) {
			continue
		}
		if timer.State == StateExpired {
			timer.CountdownSeconds = 0
		} else {
			remaining := timer.ExpiresAt.Sub(now)
			secs := int64(remaining / time.Second)
			if remaining%time.Second > 0 {
				secs++
			}
			if secs <= 0 {
				timer.expire(timer.ExpiresAt)
				lapsed = append(lapsed, timer)
			} else {
				timer.CountdownSeconds = secs
			}
		}
		m.live[key] = &timer
	}
	sort.SliceStable(m.history, func(i, j int) bool { return m.history[i].ResolvedAt.Before(m.history[j].ResolvedAt) })
	sortByVault(lapsed)
	return lapsed
}

func sortByVault(timers []Timer) {
	sort.Slice(timers, func(i, j int) bool { return timers[i].Vault < timers[j].Vault })
}
