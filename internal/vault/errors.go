package vault

import (
	"errors"

	"LevVault/internal/fixedpoint"
)

// Fault taxonomy. Every public operation aborts with exactly one of these
// (possibly wrapped with context) and leaves no partial state behind.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrMarketNotFound        = errors.New("market not found")
	ErrPositionNotFound      = errors.New("position not found")
	ErrDuplicateMarket       = errors.New("duplicate market")
	ErrDuplicateCommitment   = errors.New("duplicate commitment")
	ErrUnknownCommitment     = errors.New("unknown commitment")
	ErrInvalidLeverage       = errors.New("invalid leverage")
	ErrExposureCapExceeded   = errors.New("exposure cap exceeded")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsolvency            = errors.New("insolvency")
	ErrAlreadyInitialized    = errors.New("vault already initialized")
	ErrNotInitialized        = errors.New("vault not initialized")
	ErrInvalidArgument       = errors.New("invalid argument")

	// ErrArithmeticOverflow aliases the fixed-point sentinel so callers can
	// match either name with errors.Is.
	ErrArithmeticOverflow = fixedpoint.ErrOverflow
)

// IsIntegrityFault reports whether err is an integrity violation rather than
// an ordinary user-input fault. The call aborts either way; integrity faults
// additionally warrant error-level logging by the surrounding system.
func IsIntegrityFault(err error) bool {
	return errors.Is(err, ErrArithmeticOverflow) || errors.Is(err, ErrInsolvency)
}
