package redemption

import (
	"context"
	"errors"
	"fmt"
)

// QuantityUnlimited marks a reward whose stock is not tracked.
const QuantityUnlimited int64 = -1

// Service orchestrates a redemption end to end: voucher reservation, balance
// debit, claim write, outbox enqueue, with compensation on partial failure.
// Correctness comes from the Store's conditional writes and the claim
// uniqueness constraint, never from in-process locking.
type Service struct {
	store                Store
	nowFn                func() int64
	logger               OperationLogger
	guardEnabled         bool
	lockTTLSeconds       int64
	voucherRetryAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                store,
		nowFn:                now,
		lockTTLSeconds:       defaultLockTTLSeconds,
		voucherRetryAttempts: defaultVoucherRetryAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Redeem runs the redemption state machine for one user and reward.
// knownVoucherCode, when non-nil, enables the fast idempotent path for an
// exact retry of a previously granted voucher. An idempotent replay returns
// the prior claim with Replayed set; the caller cannot otherwise tell it
// apart from a first success.
func (service *Service) Redeem(ctx context.Context, userID UserID, rewardID RewardID, knownVoucherCode *VoucherCode) (RedeemResult, error) {
	result, operationError := service.redeem(ctx, userID, rewardID, knownVoucherCode)
	entry := OperationLog{
		Operation:   operationRedeem,
		UserID:      userID,
		RewardID:    rewardID,
		VoucherCode: result.Claim.VoucherCode,
		Amount:      result.Claim.CoinsDeducted,
		Error:       operationError,
	}
	if result.Replayed {
		entry.Status = operationStatusReplayed
	}
	service.logOperation(ctx, entry)
	return result, operationError
}

func (service *Service) redeem(ctx context.Context, userID UserID, rewardID RewardID, knownVoucherCode *VoucherCode) (RedeemResult, error) {
	reward, err := service.store.GetReward(ctx, rewardID.String())
	if err != nil {
		return RedeemResult{}, err
	}
	if !reward.IsActive {
		return RedeemResult{}, ErrRewardInactive
	}
	wallet, err := service.store.GetUserWallet(ctx, userID.String())
	if err != nil {
		return RedeemResult{}, err
	}

	// Fast idempotent path for exact retries. The unique claim constraint
	// below remains the real guarantee; this only saves a wasted reserve.
	if knownVoucherCode != nil {
		if replay, found, err := service.findReplay(ctx, userID, rewardID, knownVoucherCode.String(), wallet); err != nil || found {
			return replay, err
		}
	} else if !reward.HasVoucherPool {
		if replay, found, err := service.findReplay(ctx, userID, rewardID, "", wallet); err != nil || found {
			return replay, err
		}
	}

	if reward.ClaimableAtStore && wallet.LoyaltyNumber == "" {
		return RedeemResult{}, ErrProfileIncomplete
	}

	nowUnixUTC := service.nowFn()
	if service.guardEnabled {
		acquired, err := service.store.TryAcquireRedemptionLock(ctx, userID.String(), rewardID.String(), nowUnixUTC, service.lockTTLSeconds)
		if err != nil {
			return RedeemResult{}, err
		}
		if !acquired {
			return RedeemResult{}, ErrVoucherConflict
		}
	}

	voucherCode, err := service.reserveVoucher(ctx, reward, userID, nowUnixUTC)
	if err != nil {
		return RedeemResult{}, err
	}

	remaining := wallet.CoinsCents
	debited := CoinCents(0)
	if !reward.ClaimableAtStore && reward.CoinsRequired > 0 {
		newBalance, err := service.store.DebitBalance(ctx, userID.String(), reward.CoinsRequired, reward.RewardID, ReferenceTypeRedemption, nowUnixUTC)
		if err != nil {
			service.releaseVoucher(ctx, reward, voucherCode)
			return RedeemResult{}, err
		}
		remaining = newBalance
		debited = reward.CoinsRequired

		// The sync job is enqueued only after the debit is durably
		// committed; the worker drains it off the request path.
		if wallet.OdooCardID != 0 {
			job := BalanceSyncJob{
				OdooCardID:      wallet.OdooCardID,
				NewBalanceCents: remaining,
				Description:     "Reward redemption: " + reward.Title,
			}
			if err := service.store.EnqueueBalanceSync(ctx, job); err != nil {
				service.compensate(ctx, reward, voucherCode, userID, debited, wallet.OdooCardID, nowUnixUTC)
				return RedeemResult{}, err
			}
		}
	}

	created, err := service.store.CreateClaim(ctx, Claim{
		UserID:           userID.String(),
		RewardID:         rewardID.String(),
		VoucherCode:      voucherCode,
		CoinsDeducted:    debited,
		ClaimedAtUnixUTC: nowUnixUTC,
	})
	if errors.Is(err, ErrDuplicateClaim) {
		// Another attempt already recorded this claim. Undo this attempt's
		// reservation and debit, then hand back the existing row.
		service.compensate(ctx, reward, voucherCode, userID, debited, wallet.OdooCardID, nowUnixUTC)
		existing, findErr := service.store.FindClaim(ctx, userID.String(), rewardID.String(), voucherCode)
		if findErr != nil {
			return RedeemResult{}, findErr
		}
		if existing == nil {
			return RedeemResult{}, err
		}
		remaining = service.currentBalance(ctx, userID, wallet.CoinsCents)
		return RedeemResult{Claim: *existing, RemainingBalance: remaining, Replayed: true}, nil
	}
	if err != nil {
		service.compensate(ctx, reward, voucherCode, userID, debited, wallet.OdooCardID, nowUnixUTC)
		return RedeemResult{}, err
	}

	// Finite stock without a voucher pool: the conditional decrement runs
	// only after the claim is durable.
	if !reward.HasVoucherPool && reward.Quantity != QuantityUnlimited {
		if err := service.store.DecrementQuantity(ctx, reward.RewardID); err != nil {
			if deleteErr := service.store.DeleteClaim(ctx, created.ClaimID); deleteErr != nil {
				service.logCompensationFailure(ctx, userID, rewardID, deleteErr)
			}
			service.compensate(ctx, reward, voucherCode, userID, debited, wallet.OdooCardID, nowUnixUTC)
			return RedeemResult{}, err
		}
	}

	return RedeemResult{Claim: created, RemainingBalance: remaining}, nil
}

// reserveVoucher flips the first unused code to used via a conditional
// write, absorbing a bounded number of lost races before surfacing the
// conflict to the caller.
func (service *Service) reserveVoucher(ctx context.Context, reward Reward, userID UserID, nowUnixUTC int64) (string, error) {
	if !reward.HasVoucherPool {
		return "", nil
	}
	for attempt := 0; attempt < service.voucherRetryAttempts; attempt++ {
		code, err := service.store.ReserveVoucher(ctx, reward.RewardID, userID.String(), nowUnixUTC)
		if err == nil {
			return code, nil
		}
		if errors.Is(err, ErrVoucherConflict) {
			continue
		}
		return "", err
	}
	return "", ErrVoucherConflict
}

func (service *Service) releaseVoucher(ctx context.Context, reward Reward, voucherCode string) {
	if voucherCode == "" {
		return
	}
	if err := service.store.ReleaseVoucher(ctx, reward.RewardID, voucherCode); err != nil {
		rewardRef, _ := NewRewardID(reward.RewardID)
		service.logCompensationFailure(ctx, UserID{}, rewardRef, err)
	}
}

// compensate undoes a partially completed redemption in reverse acquisition
// order: un-reserve the voucher, credit the balance back, and queue a
// corrective sync so the external ledger converges on the restored balance.
// Best effort; failures are logged, never propagated.
func (service *Service) compensate(ctx context.Context, reward Reward, voucherCode string, userID UserID, debited CoinCents, odooCardID int64, nowUnixUTC int64) {
	service.releaseVoucher(ctx, reward, voucherCode)
	if debited <= 0 {
		return
	}
	rewardRef, _ := NewRewardID(reward.RewardID)
	restored, err := service.store.CreditBalance(ctx, userID.String(), debited, reward.RewardID, ReferenceTypeReversal, nowUnixUTC)
	if err != nil {
		service.logCompensationFailure(ctx, userID, rewardRef, err)
		return
	}
	if odooCardID != 0 {
		job := BalanceSyncJob{
			OdooCardID:      odooCardID,
			NewBalanceCents: restored,
			Description:     "Reward redemption reversal: " + reward.Title,
		}
		if err := service.store.EnqueueBalanceSync(ctx, job); err != nil {
			service.logCompensationFailure(ctx, userID, rewardRef, err)
		}
	}
}

func (service *Service) findReplay(ctx context.Context, userID UserID, rewardID RewardID, voucherCode string, wallet UserWallet) (RedeemResult, bool, error) {
	existing, err := service.store.FindClaim(ctx, userID.String(), rewardID.String(), voucherCode)
	if err != nil {
		return RedeemResult{}, false, err
	}
	if existing == nil {
		return RedeemResult{}, false, nil
	}
	return RedeemResult{Claim: *existing, RemainingBalance: wallet.CoinsCents, Replayed: true}, true, nil
}

func (service *Service) currentBalance(ctx context.Context, userID UserID, fallback CoinCents) CoinCents {
	wallet, err := service.store.GetUserWallet(ctx, userID.String())
	if err != nil {
		return fallback
	}
	return wallet.CoinsCents
}

func (service *Service) logCompensationFailure(ctx context.Context, userID UserID, rewardID RewardID, err error) {
	service.logOperation(ctx, OperationLog{
		Operation: operationCompensate,
		UserID:    userID,
		RewardID:  rewardID,
		Error:     err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
