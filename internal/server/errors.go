package server

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/query"
	"StakeLedger/internal/state"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine and query errors to gRPC codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded

	case errors.Is(err, ingestion.ErrMalformed),
		errors.Is(err, state.ErrStakeAmountTooSmall),
		errors.Is(err, state.ErrUnstakeAmountTooSmall),
		errors.Is(err, state.ErrInvalidParams),
		errors.Is(err, state.ErrInvalidRatio),
		errors.Is(err, state.ErrInvalidExchangeRate),
		errors.Is(err, state.ErrArithmeticOverflow),
		errors.Is(err, state.ErrArithmeticUnderflow):
		return codes.InvalidArgument

	case errors.Is(err, state.ErrUnauthorized):
		return codes.PermissionDenied

	case errors.Is(err, state.ErrQueueCapacityExceeded),
		errors.Is(err, state.ErrStakingPoolCapacityExceeded):
		return codes.ResourceExhausted

	case errors.Is(err, state.ErrCurrencyNotConfigured),
		errors.Is(err, state.ErrTransferFailed),
		errors.Is(err, state.ErrInsufficientReserve),
		errors.Is(err, core.ErrStaleSequence):
		return codes.FailedPrecondition

	case errors.Is(err, state.ErrBondingFailed),
		errors.Is(err, query.ErrNotReady):
		return codes.Unavailable
	}
	return codes.Internal
}
