package state

import "errors"

// Error kinds returned by pool operations. Callers match with errors.Is.
var (
	ErrInvalidExchangeRate         = errors.New("invalid exchange rate")
	ErrStakeAmountTooSmall         = errors.New("stake amount too small")
	ErrUnstakeAmountTooSmall       = errors.New("unstake amount too small")
	ErrArithmeticOverflow          = errors.New("arithmetic overflow")
	ErrArithmeticUnderflow         = errors.New("arithmetic underflow")
	ErrQueueCapacityExceeded       = errors.New("unstake queue capacity exceeded")
	ErrCurrencyNotConfigured       = errors.New("currency not configured")
	ErrTransferFailed              = errors.New("transfer failed")
	ErrUnauthorized                = errors.New("unauthorized origin")
	ErrInsufficientReserve         = errors.New("insufficient insurance reserve")
	ErrStakingPoolCapacityExceeded = errors.New("staking pool capacity exceeded")
	ErrInvalidParams               = errors.New("invalid staking params")
	ErrInvalidRatio                = errors.New("ratio outside [0, 1]")
	ErrBondingFailed               = errors.New("bonding instruction not delivered")
)
