package redemption

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type stubVoucher struct {
	code   string
	isUsed bool
	usedBy string
}

// stubStore mimics the conditional-write semantics of the real store in
// memory. A mutex stands in for the storage engine's single-row atomicity.
type stubStore struct {
	mu sync.Mutex

	rewards      map[string]*Reward
	vouchers     map[string][]*stubVoucher
	wallets      map[string]*UserWallet
	claims       []Claim
	transactions []PointsTransaction
	jobs         []BalanceSyncJob
	locks        map[string]int64

	reserveConflicts     int
	failEnqueue          error
	hideClaimsUntilWrite bool
	nextClaimSeq         int
}

func newStubStore() *stubStore {
	return &stubStore{
		rewards:  map[string]*Reward{},
		vouchers: map[string][]*stubVoucher{},
		wallets:  map[string]*UserWallet{},
		locks:    map[string]int64{},
	}
}

func (store *stubStore) addReward(reward Reward, voucherCodes ...string) {
	store.rewards[reward.RewardID] = &reward
	for _, code := range voucherCodes {
		store.vouchers[reward.RewardID] = append(store.vouchers[reward.RewardID], &stubVoucher{code: code})
	}
	if len(voucherCodes) > 0 {
		store.rewards[reward.RewardID].HasVoucherPool = true
	}
}

func (store *stubStore) addWallet(wallet UserWallet) {
	store.wallets[wallet.UserID] = &wallet
}

func (store *stubStore) GetReward(ctx context.Context, rewardID string) (Reward, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reward, ok := store.rewards[rewardID]
	if !ok {
		return Reward{}, ErrRewardNotFound
	}
	return *reward, nil
}

func (store *stubStore) GetUserWallet(ctx context.Context, userID string) (UserWallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[userID]
	if !ok {
		return UserWallet{}, ErrUserNotFound
	}
	return *wallet, nil
}

func (store *stubStore) ReserveVoucher(ctx context.Context, rewardID string, userID string, nowUnixUTC int64) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.reserveConflicts > 0 {
		store.reserveConflicts--
		return "", ErrVoucherConflict
	}
	for _, voucher := range store.vouchers[rewardID] {
		if !voucher.isUsed {
			voucher.isUsed = true
			voucher.usedBy = userID
			return voucher.code, nil
		}
	}
	return "", ErrOutOfStock
}

func (store *stubStore) ReleaseVoucher(ctx context.Context, rewardID string, voucherCode string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, voucher := range store.vouchers[rewardID] {
		if voucher.code == voucherCode && voucher.isUsed {
			voucher.isUsed = false
			voucher.usedBy = ""
		}
	}
	return nil
}

func (store *stubStore) DebitBalance(ctx context.Context, userID string, amount CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (CoinCents, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if wallet.CoinsCents < amount {
		return 0, ErrInsufficientBalance
	}
	wallet.CoinsCents -= amount
	store.transactions = append(store.transactions, PointsTransaction{
		UserID:            userID,
		Type:              TransactionUsed,
		AmountCents:       amount,
		BalanceAfterCents: wallet.CoinsCents,
		ReferenceID:       referenceID,
		ReferenceType:     referenceType,
	})
	return wallet.CoinsCents, nil
}

func (store *stubStore) CreditBalance(ctx context.Context, userID string, amount CoinCents, referenceID string, referenceType string, nowUnixUTC int64) (CoinCents, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	wallet.CoinsCents += amount
	store.transactions = append(store.transactions, PointsTransaction{
		UserID:            userID,
		Type:              TransactionEarned,
		AmountCents:       amount,
		BalanceAfterCents: wallet.CoinsCents,
		ReferenceID:       referenceID,
		ReferenceType:     referenceType,
	})
	return wallet.CoinsCents, nil
}

func (store *stubStore) FindClaim(ctx context.Context, userID string, rewardID string, voucherCode string) (*Claim, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.hideClaimsUntilWrite {
		return nil, nil
	}
	return store.findClaimLocked(userID, rewardID, voucherCode), nil
}

func (store *stubStore) findClaimLocked(userID string, rewardID string, voucherCode string) *Claim {
	for index := range store.claims {
		claim := store.claims[index]
		if claim.UserID == userID && claim.RewardID == rewardID && claim.VoucherCode == voucherCode {
			return &claim
		}
	}
	return nil
}

func (store *stubStore) CreateClaim(ctx context.Context, claim Claim) (Claim, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing := store.findClaimLocked(claim.UserID, claim.RewardID, claim.VoucherCode); existing != nil {
		store.hideClaimsUntilWrite = false
		return Claim{}, ErrDuplicateClaim
	}
	store.nextClaimSeq++
	claim.ClaimID = fmt.Sprintf("claim-%d", store.nextClaimSeq)
	store.claims = append(store.claims, claim)
	return claim, nil
}

func (store *stubStore) DeleteClaim(ctx context.Context, claimID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	kept := store.claims[:0]
	for _, claim := range store.claims {
		if claim.ClaimID != claimID {
			kept = append(kept, claim)
		}
	}
	store.claims = kept
	return nil
}

func (store *stubStore) DecrementQuantity(ctx context.Context, rewardID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	reward, ok := store.rewards[rewardID]
	if !ok || reward.Quantity <= 0 {
		return ErrOutOfStock
	}
	reward.Quantity--
	return nil
}

func (store *stubStore) TryAcquireRedemptionLock(ctx context.Context, userID string, rewardID string, nowUnixUTC int64, ttlSeconds int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := userID + "|" + rewardID
	expiry, held := store.locks[key]
	if held && expiry > nowUnixUTC {
		return false, nil
	}
	store.locks[key] = nowUnixUTC + ttlSeconds
	return true, nil
}

func (store *stubStore) EnqueueBalanceSync(ctx context.Context, job BalanceSyncJob) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failEnqueue != nil {
		return store.failEnqueue
	}
	job.JobID = fmt.Sprintf("job-%d", len(store.jobs)+1)
	store.jobs = append(store.jobs, job)
	return nil
}

func (store *stubStore) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]PointsTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transactions := []PointsTransaction{}
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions, nil
}

func (store *stubStore) ListClaims(ctx context.Context, userID string, limit int) ([]Claim, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	claims := []Claim{}
	for _, claim := range store.claims {
		if claim.UserID == userID {
			claims = append(claims, claim)
		}
	}
	return claims, nil
}

func (store *stubStore) voucherByCode(test *testing.T, rewardID string, code string) *stubVoucher {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, voucher := range store.vouchers[rewardID] {
		if voucher.code == code {
			return voucher
		}
	}
	test.Fatalf("voucher %s not found for reward %s", code, rewardID)
	return nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustRewardID(test *testing.T, raw string) RewardID {
	test.Helper()
	rewardID, err := NewRewardID(raw)
	if err != nil {
		test.Fatalf("reward id: %v", err)
	}
	return rewardID
}

func mustVoucherCode(test *testing.T, raw string) VoucherCode {
	test.Helper()
	code, err := NewVoucherCode(raw)
	if err != nil {
		test.Fatalf("voucher code: %v", err)
	}
	return code
}
