package redemption

import (
	"context"
	"fmt"
	"strings"
)

// CoinCents is an integer espro-coin amount in hundredths of a coin.
type CoinCents int64

// UserID identifies a loyalty program member.
type UserID struct {
	value string
}

// RewardID identifies a redeemable reward.
type RewardID struct {
	value string
}

// VoucherCode is a single-use token granting one reward instance.
type VoucherCode struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewRewardID validates and normalizes a reward id.
func NewRewardID(raw string) (RewardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RewardID{}, fmt.Errorf("%w: empty value", ErrInvalidRewardID)
	}
	return RewardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RewardID) String() string {
	return id.value
}

// NewVoucherCode validates and normalizes a voucher code.
func NewVoucherCode(raw string) (VoucherCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return VoucherCode{}, fmt.Errorf("%w: empty value", ErrInvalidVoucherCode)
	}
	return VoucherCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code VoucherCode) String() string {
	return code.value
}

// NewCoinCents validates a non-negative coin amount.
func NewCoinCents(raw int64) (CoinCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCoinCents)
	}
	return CoinCents(raw), nil
}

// Int64 returns the raw cent count.
func (amount CoinCents) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates points-ledger entry kinds.
type TransactionType string

const (
	TransactionEarned TransactionType = "earned"
	TransactionUsed   TransactionType = "used"
)

// Reward describes a redeemable catalogue entry.
// Quantity of -1 means unlimited stock; Quantity only applies when the
// reward has no voucher pool.
type Reward struct {
	RewardID         string
	Title            string
	CoinsRequired    CoinCents
	Quantity         int64
	ClaimableAtStore bool
	IsActive         bool
	HasVoucherPool   bool
}

// Claim is the durable record that a user redeemed a specific reward,
// optionally bound to a voucher code. The (user, reward, voucher code)
// triple is unique and acts as the idempotency key.
type Claim struct {
	ClaimID          string
	UserID           string
	RewardID         string
	VoucherCode      string
	CoinsDeducted    CoinCents
	IsUsed           bool
	UsedAtUnixUTC    int64
	ClaimedAtUnixUTC int64
}

// PointsTransaction is an append-only audit row; replaying all rows for a
// user in creation order reproduces the final balance.
type PointsTransaction struct {
	TransactionID     string
	UserID            string
	Type              TransactionType
	AmountCents       CoinCents
	BalanceAfterCents CoinCents
	ReferenceID       string
	ReferenceType     string
	MetadataJSON      string
	CreatedUnixUTC    int64
}

// UserWallet is the balance view of a member. OdooCardID of zero means the
// member has no linked ERP card and no balance sync is produced.
type UserWallet struct {
	UserID             string
	CoinsCents         CoinCents
	LifetimeCoinsCents CoinCents
	OdooCardID         int64
	LoyaltyNumber      string
}

// BalanceSyncJob is the outbox record produced after a durable debit.
type BalanceSyncJob struct {
	JobID           string
	OdooCardID      int64
	NewBalanceCents CoinCents
	Description     string
}

// RedeemResult is returned by Service.Redeem. Replayed marks an idempotent
// replay that returned a previously created claim.
type RedeemResult struct {
	Claim            Claim
	RemainingBalance CoinCents
	Replayed         bool
}

// WalletView aggregates balance and recent transaction history.
type WalletView struct {
	Wallet       UserWallet
	Transactions []PointsTransaction
}

// Store is the persistence contract used by Service. All contended writes
// (voucher flip, balance debit, quantity decrement, lock acquisition) are
// conditional single-row updates; the store reports a lost race rather than
// retrying internally.
type Store interface {
	GetReward(ctx context.Context, rewardID string) (Reward, error)
	GetUserWallet(ctx context.Context, userID string) (UserWallet, error)
	ReserveVoucher(ctx context.Context, rewardID string, userID string, nowUnixUTC int64) (string, error)
	ReleaseVoucher(ctx context.Context, rewardID string, voucherCode string) error
	DebitBalance(ctx context.Context, userID string, amount CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (CoinCents, error)
	CreditBalance(ctx context.Context, userID string, amount CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (CoinCents, error)
	FindClaim(ctx context.Context, userID string, rewardID string, voucherCode string) (*Claim, error)
	CreateClaim(ctx context.Context, claim Claim) (Claim, error)
	DeleteClaim(ctx context.Context, claimID string) error
	DecrementQuantity(ctx context.Context, rewardID string) error
	TryAcquireRedemptionLock(ctx context.Context, userID string, rewardID string, nowUnixUTC int64, ttlSeconds int64) (bool, error)
	EnqueueBalanceSync(ctx context.Context, job BalanceSyncJob) error
	ListPointsTransactions(ctx context.Context, userID string, limit int) ([]PointsTransaction, error)
	ListClaims(ctx context.Context, userID string, limit int) ([]Claim, error)
}
