package redemption

const (
	operationRedeem     = "redeem"
	operationWallet     = "wallet"
	operationClaims     = "claims"
	operationCompensate = "compensate"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	// ReferenceTypeRedemption tags points transactions written by a debit.
	ReferenceTypeRedemption = "reward_redemption"
	// ReferenceTypeReversal tags compensating credits after a failed redemption.
	ReferenceTypeReversal = "redemption_reversal"

	defaultVoucherRetryAttempts = 3
	defaultLockTTLSeconds       = 30
)
