package redemption

import (
	"context"
	"sync"
	"testing"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatal("no operation log entries recorded")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestRedeemLogsSuccessStatus(test *testing.T) {
	test.Parallel()

	store := newStubStore()
	store.addReward(Reward{RewardID: "reward-1", Title: "Free Latte", CoinsRequired: 100, Quantity: QuantityUnlimited, IsActive: true}, "VCH-A")
	store.addWallet(UserWallet{UserID: "user-1", CoinsCents: 150})
	logger := &recordingLogger{}

	service := mustNewService(test, store, WithOperationLogger(logger))
	if _, err := service.Redeem(context.Background(), mustUserID(test, "user-1"), mustRewardID(test, "reward-1"), nil); err != nil {
		test.Fatalf("redeem: %v", err)
	}

	entry := logger.last(test)
	if entry.Operation != "redeem" || entry.Status != "ok" {
		test.Fatalf("expected redeem/ok entry, got %s/%s", entry.Operation, entry.Status)
	}
	if entry.VoucherCode != "VCH-A" || entry.Amount != 100 {
		test.Fatalf("entry payload mismatch: %+v", entry)
	}
}

func TestRedeemLogsErrorStatus(test *testing.T) {
	test.Parallel()

	store := newStubStore()
	store.addReward(Reward{RewardID: "reward-1", Title: "Free Latte", CoinsRequired: 100, Quantity: QuantityUnlimited, IsActive: true}, "VCH-A")
	store.addWallet(UserWallet{UserID: "user-1", CoinsCents: 10})
	logger := &recordingLogger{}

	service := mustNewService(test, store, WithOperationLogger(logger))
	if _, err := service.Redeem(context.Background(), mustUserID(test, "user-1"), mustRewardID(test, "reward-1"), nil); err == nil {
		test.Fatal("expected redeem failure")
	}

	entry := logger.last(test)
	if entry.Status != "error" || entry.Error == nil {
		test.Fatalf("expected error entry, got %+v", entry)
	}
}

func TestRedeemLogsReplayedStatus(test *testing.T) {
	test.Parallel()

	store := newStubStore()
	store.addReward(Reward{RewardID: "reward-1", Title: "Mug", CoinsRequired: 50, Quantity: QuantityUnlimited, IsActive: true})
	store.addWallet(UserWallet{UserID: "user-1", CoinsCents: 200})
	logger := &recordingLogger{}

	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "user-1")
	rewardID := mustRewardID(test, "reward-1")
	if _, err := service.Redeem(context.Background(), userID, rewardID, nil); err != nil {
		test.Fatalf("first redeem: %v", err)
	}
	if _, err := service.Redeem(context.Background(), userID, rewardID, nil); err != nil {
		test.Fatalf("second redeem: %v", err)
	}

	entry := logger.last(test)
	if entry.Status != "replayed" {
		test.Fatalf("expected replayed status, got %q", entry.Status)
	}
}
