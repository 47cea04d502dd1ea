package redemption

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the redemption service.
var (
	ErrRewardNotFound       = errors.New("reward not found")
	ErrRewardInactive       = errors.New("reward inactive")
	ErrOutOfStock           = errors.New("reward out of stock")
	ErrVoucherConflict      = errors.New("voucher lost to concurrent request")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateClaim       = errors.New("duplicate claim")
	ErrProfileIncomplete    = errors.New("profile incomplete")
	ErrUserNotFound         = errors.New("user not found")
	ErrClaimNotFound        = errors.New("claim not found")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidRewardID      = errors.New("invalid reward id")
	ErrInvalidVoucherCode   = errors.New("invalid voucher code")
	ErrInvalidCoinCents     = errors.New("invalid coin cents")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
