package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Amounts are stored as decimal strings so no backend rounds them through
// floating point.

// VaultRecord persists a vault position.
type VaultRecord struct {
	Address             string `gorm:"primaryKey;size:128"`
	Name                string `gorm:"size:128"`
	NativeToken         string `gorm:"size:32;index"`
	Curator             string `gorm:"size:128"`
	TotalPreSlashed     string `gorm:"size:80;not null"`
	OrchestratorBalance string `gorm:"size:80;not null"`
	EscrowAmount        string `gorm:"size:80;not null"`
	Version             uint64 `gorm:"not null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EscrowRecord persists one escrowed token balance.
type EscrowRecord struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	Amount    string `gorm:"size:80;not null"`
	Listed    bool
	Version   uint64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriceRecord persists the latest USD price of a token.
type PriceRecord struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	USD       string `gorm:"size:80;not null"`
	Source    string `gorm:"size:64"`
	UpdatedAt time.Time
}

// CommitRecord is the audit row written with every applied plan.
type CommitRecord struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Vault              string    `gorm:"size:128;index"`
	NativeToken        string    `gorm:"size:32"`
	Restore            string    `gorm:"size:80"`
	Total              string    `gorm:"size:80"`
	OrchestratorBefore string    `gorm:"size:80"`
	OrchestratorAfter  string    `gorm:"size:80"`
	VaultVersion       uint64
	Debits             string `gorm:"type:text"`
	PlannedAt          time.Time
	CreatedAt          time.Time
}

// TimerRecord persists a rebalance timer. A vault accumulates one row per
// started countdown.
type TimerRecord struct {
	ID                 string `gorm:"primaryKey;size:160"`
	Vault              string `gorm:"size:128;index"`
	State              string `gorm:"size:16;index"`
	CountdownSeconds   int64
	TotalSeconds       int64
	StartedAt          time.Time
	ExpiresAt          time.Time
	ExpiredAt          *time.Time
	OperatorCompliance bool
	Resolution         string `gorm:"size:16"`
	ResolvedAt         *time.Time
	ResolvedBy         string `gorm:"size:128"`
	Attempt            int
	UpdatedAt          time.Time
}

// HealthRecord stores health scores pushed by the external risk model.
type HealthRecord struct {
	ID         uint `gorm:"primaryKey"`
	Score      float64
	Source     string `gorm:"size:64"`
	RecordedAt time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VaultRecord{},
		&EscrowRecord{},
		&PriceRecord{},
		&CommitRecord{},
		&TimerRecord{},
		&HealthRecord{},
	)
}
