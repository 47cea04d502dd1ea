package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/esprobar/loyalty/pkg/redemption"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	defaultSyncMaxRetries = 5
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectReward      = "reward"
	errorSubjectVoucher     = "voucher"
	errorSubjectBalance     = "balance"
	errorSubjectClaim       = "claim"
	errorSubjectTransaction = "transaction"
	errorSubjectLock        = "lock"
	errorSubjectOutbox      = "outbox"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeReserve        = "reserve"
	errorCodeRelease        = "release"
	errorCodeDebit          = "debit"
	errorCodeCredit         = "credit"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDecrement      = "decrement"
	errorCodeAcquire        = "acquire"
	errorCodeEnqueue        = "enqueue"
)

// Store implements redemption.Store and the outbox worker's persistence
// contract using GORM over postgres or sqlite.
type Store struct {
	db             *gorm.DB
	syncMaxRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithSyncMaxRetries overrides the retry budget stamped onto new outbox jobs.
func WithSyncMaxRetries(maxRetries int) Option {
	return func(store *Store) {
		if maxRetries > 0 {
			store.syncMaxRetries = maxRetries
		}
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, syncMaxRetries: defaultSyncMaxRetries}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Migrate creates the schema. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(
		&Reward{},
		&VoucherCode{},
		&User{},
		&Claim{},
		&PointsTransaction{},
		&RedemptionLock{},
		&OutboxJob{},
	)
}

func (store *Store) GetReward(ctx context.Context, rewardID string) (redemption.Reward, error) {
	var model Reward
	err := store.db.WithContext(ctx).Where("reward_id = ?", rewardID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return redemption.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, redemption.ErrRewardNotFound)
	}
	if err != nil {
		return redemption.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	var voucherCount int64
	err = store.db.WithContext(ctx).Model(&VoucherCode{}).Where("reward_id = ?", rewardID).Count(&voucherCount).Error
	if err != nil {
		return redemption.Reward{}, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return redemption.Reward{
		RewardID:         model.RewardID,
		Title:            model.Title,
		CoinsRequired:    redemption.CoinCents(model.CoinsRequired),
		Quantity:         model.Quantity,
		ClaimableAtStore: model.ClaimableAtStore,
		IsActive:         model.IsActive,
		HasVoucherPool:   voucherCount > 0,
	}, nil
}

func (store *Store) GetUserWallet(ctx context.Context, userID string) (redemption.UserWallet, error) {
	var model User
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return redemption.UserWallet{}, wrapStoreError(errorSubjectBalance, errorCodeGet, redemption.ErrUserNotFound)
	}
	if err != nil {
		return redemption.UserWallet{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return redemption.UserWallet{
		UserID:             model.UserID,
		CoinsCents:         redemption.CoinCents(model.EsproCoins),
		LifetimeCoinsCents: redemption.CoinCents(model.LifetimeEsproCoins),
		OdooCardID:         model.OdooCardID,
		LoyaltyNumber:      model.LoyaltyNumber,
	}, nil
}

// ReserveVoucher picks the first unused code and flips it to used only if it
// is still unused at write time. A zero-row update means another request won
// the race on that row and is reported as a conflict, not as out-of-stock.
func (store *Store) ReserveVoucher(ctx context.Context, rewardID string, userID string, nowUnixUTC int64) (string, error) {
	var candidate VoucherCode
	err := store.db.WithContext(ctx).
		Where("reward_id = ? AND is_used = ?", rewardID, false).
		Order("position asc").
		Take(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectVoucher, errorCodeReserve, redemption.ErrOutOfStock)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectVoucher, errorCodeReserve, err)
	}
	usedAt := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&VoucherCode{}).
		Where("voucher_id = ? AND is_used = ?", candidate.VoucherID, false).
		Updates(map[string]interface{}{
			"is_used": true,
			"used_at": usedAt,
			"used_by": userID,
		})
	if result.Error != nil {
		return "", wrapStoreError(errorSubjectVoucher, errorCodeReserve, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", wrapStoreError(errorSubjectVoucher, errorCodeReserve, redemption.ErrVoucherConflict)
	}
	return candidate.Code, nil
}

// ReleaseVoucher returns a reserved code to the pool. Releasing an already
// unused code is a no-op so compensation stays idempotent.
func (store *Store) ReleaseVoucher(ctx context.Context, rewardID string, voucherCode string) error {
	result := store.db.WithContext(ctx).
		Model(&VoucherCode{}).
		Where("reward_id = ? AND code = ? AND is_used = ?", rewardID, voucherCode, true).
		Updates(map[string]interface{}{
			"is_used": false,
			"used_at": nil,
			"used_by": nil,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeRelease, result.Error)
	}
	return nil
}

// DebitBalance performs the conditional decrement and writes the audit
// transaction row in one short transaction. The decrement itself is a single
// indivisible update guarded by the current balance.
func (store *Store) DebitBalance(ctx context.Context, userID string, amount redemption.CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (redemption.CoinCents, error) {
	var newBalance int64
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("user_id = ? AND espro_coins_cents >= ?", userID, amount.Int64()).
			UpdateColumn("espro_coins_cents", gorm.Expr("espro_coins_cents - ?", amount.Int64()))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&User{}).Where("user_id = ?", userID).Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return redemption.ErrUserNotFound
			}
			return redemption.ErrInsufficientBalance
		}
		var model User
		if err := tx.Where("user_id = ?", userID).Take(&model).Error; err != nil {
			return err
		}
		newBalance = model.EsproCoins
		return tx.Create(&PointsTransaction{
			UserID:        userID,
			Type:          string(redemption.TransactionUsed),
			AmountCents:   amount.Int64(),
			BalanceAfter:  newBalance,
			ReferenceID:   referenceID,
			ReferenceType: referenceType,
			Metadata:      datatypes.JSON([]byte(defaultMetadataJSON)),
			CreatedAt:     time.Unix(nowUnixUTC, 0).UTC(),
		}).Error
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return redemption.CoinCents(newBalance), nil
}

// CreditBalance restores coins after a failed redemption and records the
// compensating transaction row.
func (store *Store) CreditBalance(ctx context.Context, userID string, amount redemption.CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (redemption.CoinCents, error) {
	var newBalance int64
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("user_id = ?", userID).
			UpdateColumn("espro_coins_cents", gorm.Expr("espro_coins_cents + ?", amount.Int64()))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return redemption.ErrUserNotFound
		}
		var model User
		if err := tx.Where("user_id = ?", userID).Take(&model).Error; err != nil {
			return err
		}
		newBalance = model.EsproCoins
		return tx.Create(&PointsTransaction{
			UserID:        userID,
			Type:          string(redemption.TransactionEarned),
			AmountCents:   amount.Int64(),
			BalanceAfter:  newBalance,
			ReferenceID:   referenceID,
			ReferenceType: referenceType,
			Metadata:      datatypes.JSON([]byte(defaultMetadataJSON)),
			CreatedAt:     time.Unix(nowUnixUTC, 0).UTC(),
		}).Error
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return redemption.CoinCents(newBalance), nil
}

func (store *Store) FindClaim(ctx context.Context, userID string, rewardID string, voucherCode string) (*redemption.Claim, error) {
	var model Claim
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND reward_id = ? AND voucher_code = ?", userID, rewardID, voucherCode).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectClaim, errorCodeGet, err)
	}
	claim := mapClaim(model)
	return &claim, nil
}

// CreateClaim inserts the claim row. A uniqueness violation on the
// (user, reward, voucher) triple means a concurrent attempt already created
// it and is reported as ErrDuplicateClaim for the caller to resolve.
func (store *Store) CreateClaim(ctx context.Context, claim redemption.Claim) (redemption.Claim, error) {
	model := Claim{
		ClaimID:       claim.ClaimID,
		UserID:        claim.UserID,
		RewardID:      claim.RewardID,
		VoucherCode:   claim.VoucherCode,
		CoinsDeducted: claim.CoinsDeducted.Int64(),
		IsUsed:        claim.IsUsed,
		ClaimedAt:     time.Unix(claim.ClaimedAtUnixUTC, 0).UTC(),
	}
	if model.ClaimedAt.IsZero() {
		model.ClaimedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return redemption.Claim{}, wrapStoreError(errorSubjectClaim, errorCodeCreate, redemption.ErrDuplicateClaim)
	}
	if err != nil {
		return redemption.Claim{}, wrapStoreError(errorSubjectClaim, errorCodeCreate, err)
	}
	return mapClaim(model), nil
}

// DeleteClaim removes a claim row. Only the compensation path after a failed
// quantity decrement calls this; claims are never deleted in normal operation.
func (store *Store) DeleteClaim(ctx context.Context, claimID string) error {
	err := store.db.WithContext(ctx).Where("claim_id = ?", claimID).Delete(&Claim{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeDelete, err)
	}
	return nil
}

// DecrementQuantity takes one unit of finite stock, guarded by quantity > 0.
func (store *Store) DecrementQuantity(ctx context.Context, rewardID string) error {
	result := store.db.WithContext(ctx).
		Model(&Reward{}).
		Where("reward_id = ? AND quantity > 0", rewardID).
		UpdateColumn("quantity", gorm.Expr("quantity - 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectReward, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReward, errorCodeDecrement, redemption.ErrOutOfStock)
	}
	return nil
}

// TryAcquireRedemptionLock inserts the advisory (user, reward) lock row, or
// steals it via a conditional update when the previous holder's window has
// expired. Returns false without error when the lock is held.
func (store *Store) TryAcquireRedemptionLock(ctx context.Context, userID string, rewardID string, nowUnixUTC int64, ttlSeconds int64) (bool, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	err := store.db.WithContext(ctx).Create(&RedemptionLock{
		UserID:    userID,
		RewardID:  rewardID,
		LockedAt:  now,
		ExpiresAt: expiresAt,
	}).Error
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, wrapStoreError(errorSubjectLock, errorCodeAcquire, err)
	}
	result := store.db.WithContext(ctx).
		Model(&RedemptionLock{}).
		Where("user_id = ? AND reward_id = ? AND expires_at <= ?", userID, rewardID, now).
		Updates(map[string]interface{}{"locked_at": now, "expires_at": expiresAt})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeAcquire, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EnqueueBalanceSync records the durable outbox job; the worker applies it
// to the external ledger off the request path.
func (store *Store) EnqueueBalanceSync(ctx context.Context, job redemption.BalanceSyncJob) error {
	model := OutboxJob{
		JobID:       job.JobID,
		OdooCardID:  job.OdooCardID,
		NewBalance:  job.NewBalanceCents.Int64(),
		Description: job.Description,
		Status:      jobStatusPending,
		MaxRetries:  store.syncMaxRetries,
		Metadata:    datatypes.JSON([]byte(defaultMetadataJSON)),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeEnqueue, err)
	}
	return nil
}

func (store *Store) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]redemption.PointsTransaction, error) {
	var rows []PointsTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]redemption.PointsTransaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, redemption.PointsTransaction{
			TransactionID:     row.TransactionID,
			UserID:            row.UserID,
			Type:              redemption.TransactionType(row.Type),
			AmountCents:       redemption.CoinCents(row.AmountCents),
			BalanceAfterCents: redemption.CoinCents(row.BalanceAfter),
			ReferenceID:       row.ReferenceID,
			ReferenceType:     row.ReferenceType,
			MetadataJSON:      string(row.Metadata),
			CreatedUnixUTC:    row.CreatedAt.Unix(),
		})
	}
	return transactions, nil
}

func (store *Store) ListClaims(ctx context.Context, userID string, limit int) ([]redemption.Claim, error) {
	var rows []Claim
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("claimed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectClaim, errorCodeList, err)
	}
	claims := make([]redemption.Claim, 0, len(rows))
	for _, row := range rows {
		claims = append(claims, mapClaim(row))
	}
	return claims, nil
}

func mapClaim(model Claim) redemption.Claim {
	return redemption.Claim{
		ClaimID:          model.ClaimID,
		UserID:           model.UserID,
		RewardID:         model.RewardID,
		VoucherCode:      model.VoucherCode,
		CoinsDeducted:    redemption.CoinCents(model.CoinsDeducted),
		IsUsed:           model.IsUsed,
		UsedAtUnixUTC:    timeOrZero(model.UsedAt),
		ClaimedAtUnixUTC: model.ClaimedAt.Unix(),
	}
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func wrapStoreError(subject string, code string, err error) error {
	return redemption.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
