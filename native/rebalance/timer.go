package rebalance

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTotalSeconds is the rebalance window granted to an operator.
const DefaultTotalSeconds int64 = 600

// State is the lifecycle position of a rebalance timer.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateResolved State = "resolved"
)

// Resolution records how a timer reached StateResolved.
type Resolution string

const (
	// ResolutionCompleted means the deficit was covered before expiry.
	ResolutionCompleted Resolution = "completed"
	// ResolutionRetried means an expired timer was replaced by a fresh one.
	ResolutionRetried Resolution = "retried"
	// ResolutionForced means an operator overrode an expired timer.
	ResolutionForced Resolution = "forced"
)

// Timer is the rebalance record for one vault.
type Timer struct {
	ID                 string     `json:"id"`
	Vault              string     `json:"vault"`
	CountdownSeconds   int64      `json:"countdownSeconds"`
	TotalSeconds       int64      `json:"totalSeconds"`
	StartedAt          time.Time  `json:"startedAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	ExpiredAt          time.Time  `json:"expiredAt,omitempty"`
	State              State      `json:"state"`
	OperatorCompliance bool       `json:"operatorCompliance"`
	Resolution         Resolution `json:"resolution,omitempty"`
	ResolvedAt         time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy         string     `json:"resolvedBy,omitempty"`
	Attempt            int        `json:"attempt"`
}

// IsActive reports whether the countdown is still running.
func (t Timer) IsActive() bool { return t.State == StateActive }

// Live reports whether the timer still blocks a new start for its vault.
func (t Timer) Live() bool { return t.State == StateActive || t.State == StateExpired }

// newTimer opens a countdown with a fresh identity. Timestamps are kept at
// microsecond precision, the finest a timestamptz column stores.
func newTimer(vault string, total int64, now time.Time, attempt int) *Timer {
	now = now.UTC().Truncate(time.Microsecond)
	return &Timer{
		ID:               uuid.NewString(),
		Vault:            vault,
		CountdownSeconds: total,
		TotalSeconds:     total,
		StartedAt:        now,
		ExpiresAt:        now.Add(time.Duration(total) * time.Second),
		State:            StateActive,
		Attempt:          attempt,
	}
}

func (t *Timer) expire(now time.Time) {
	t.CountdownSeconds = 0
	t.State = StateExpired
	t.ExpiredAt = now.UTC()
}

func (t *Timer) resolve(resolution Resolution, actor string, compliant bool, now time.Time) {
	t.State = StateResolved
	t.Resolution = resolution
	t.ResolvedBy = actor
	t.ResolvedAt = now.UTC()
	t.OperatorCompliance = compliant
}

func normalizeVault(vault string) string {
	return strings.ToLower(strings.TrimSpace(vault))
}
