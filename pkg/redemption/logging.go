package redemption

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing redemption operation.
type OperationLog struct {
	Operation   string
	UserID      UserID
	RewardID    RewardID
	VoucherCode string
	Amount      CoinCents
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithContentionGuard enables the advisory per-(user, reward) lock taken
// before the hot path. The guard only reduces wasted conflict retries; it is
// never relied on for mutual exclusion.
func WithContentionGuard(ttlSeconds int64) ServiceOption {
	return func(service *Service) {
		service.guardEnabled = true
		if ttlSeconds > 0 {
			service.lockTTLSeconds = ttlSeconds
		}
	}
}

// WithVoucherRetryAttempts overrides how many voucher-reservation races the
// service absorbs before surfacing a conflict to the caller.
func WithVoucherRetryAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.voucherRetryAttempts = attempts
		}
	}
}
