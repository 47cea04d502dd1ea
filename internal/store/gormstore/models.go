package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reward mirrors the rewards table. Quantity of -1 means unlimited and is
// only consulted for rewards without voucher rows.
type Reward struct {
	RewardID         string    `gorm:"type:uuid;primaryKey"`
	Title            string    `gorm:"not null"`
	CoinsRequired    int64     `gorm:"column:coins_required_cents;not null"`
	Quantity         int64     `gorm:"not null;default:-1"`
	ClaimableAtStore bool      `gorm:"not null;default:false"`
	IsActive         bool      `gorm:"not null;default:true"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Reward) TableName() string { return "rewards" }

func (reward *Reward) BeforeCreate(tx *gorm.DB) error {
	if reward.RewardID == "" {
		reward.RewardID = uuid.NewString()
	}
	return nil
}

// VoucherCode is one row of a reward's voucher pool. Reservation flips
// is_used on a specific row via a conditional update keyed on is_used=false.
type VoucherCode struct {
	VoucherID string     `gorm:"type:uuid;primaryKey"`
	RewardID  string     `gorm:"type:uuid;not null;index:idx_vouchers_reward_position,priority:1;index:uniq_vouchers_reward_code,unique,priority:1"`
	Code      string     `gorm:"not null;index:uniq_vouchers_reward_code,unique,priority:2"`
	Position  int        `gorm:"not null;index:idx_vouchers_reward_position,priority:2"`
	IsUsed    bool       `gorm:"not null;default:false"`
	UsedAt    *time.Time `gorm:""`
	UsedBy    *string    `gorm:""`
	CreatedAt time.Time  `gorm:"not null"`
}

func (VoucherCode) TableName() string { return "voucher_codes" }

func (voucher *VoucherCode) BeforeCreate(tx *gorm.DB) error {
	if voucher.VoucherID == "" {
		voucher.VoucherID = uuid.NewString()
	}
	return nil
}

// User carries the balance fields touched by redemption. Lifetime coins are
// a monotonic high-water mark and are never mutated here.
type User struct {
	UserID             string    `gorm:"type:uuid;primaryKey"`
	EsproCoins         int64     `gorm:"column:espro_coins_cents;not null;default:0"`
	LifetimeEsproCoins int64     `gorm:"column:lifetime_espro_coins_cents;not null;default:0"`
	OdooCardID         int64     `gorm:"not null;default:0"`
	LoyaltyNumber      string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Claim mirrors the claims table. The composite unique index on
// (user_id, reward_id, voucher_code) is the idempotency constraint that
// prevents duplicate grants under race.
type Claim struct {
	ClaimID       string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"type:uuid;not null;index:uniq_claims_user_reward_voucher,unique,priority:1"`
	RewardID      string     `gorm:"type:uuid;not null;index:uniq_claims_user_reward_voucher,unique,priority:2"`
	VoucherCode   string     `gorm:"not null;default:'';index:uniq_claims_user_reward_voucher,unique,priority:3"`
	CoinsDeducted int64      `gorm:"column:coins_deducted_cents;not null;default:0"`
	IsUsed        bool       `gorm:"not null;default:false"`
	UsedAt        *time.Time `gorm:""`
	ClaimedAt     time.Time  `gorm:"not null"`
}

func (Claim) TableName() string { return "claims" }

func (claim *Claim) BeforeCreate(tx *gorm.DB) error {
	if claim.ClaimID == "" {
		claim.ClaimID = uuid.NewString()
	}
	return nil
}

// PointsTransaction is the append-only audit ledger.
type PointsTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"type:uuid;not null;index:idx_points_tx_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	AmountCents   int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"column:balance_after_cents;not null"`
	ReferenceID   string         `gorm:"not null;default:''"`
	ReferenceType string         `gorm:"not null;default:''"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_points_tx_user_created,priority:2"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

func (transaction *PointsTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// RedemptionLock is the advisory per-(user, reward) contention guard.
// Expiry is evaluated in-query against expires_at, not by a sweeper.
type RedemptionLock struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	RewardID  string    `gorm:"type:uuid;primaryKey"`
	LockedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (RedemptionLock) TableName() string { return "redemption_locks" }

// OutboxJob mirrors the outbox_jobs table drained by the sync worker.
type OutboxJob struct {
	JobID       string         `gorm:"type:uuid;primaryKey"`
	OdooCardID  int64          `gorm:"not null"`
	NewBalance  int64          `gorm:"column:new_balance_cents;not null"`
	Description string         `gorm:"not null;default:''"`
	Status      string         `gorm:"not null;default:'pending';index:idx_outbox_status_created,priority:1"`
	Retries     int            `gorm:"not null;default:0"`
	MaxRetries  int            `gorm:"not null;default:5"`
	LastError   *string        `gorm:""`
	Metadata    datatypes.JSON `gorm:"type:jsonb;not null"`
	CompletedAt *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (OutboxJob) TableName() string { return "outbox_jobs" }

func (job *OutboxJob) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}
