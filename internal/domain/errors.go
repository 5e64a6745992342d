package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrValidation         = errors.New("invalid parameters")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock already held")
	ErrGuardUnavailable   = errors.New("idempotency store unavailable")
	ErrServiceUnavailable = errors.New("venue unreachable after retries")
	ErrAlreadySettled     = errors.New("position already settled on venue")
	ErrInsufficientFunds  = errors.New("agent has insufficient funds for fees")
	ErrAgentNotFound      = errors.New("agent key not found")
	ErrMarketUnavailable  = errors.New("market not available on venue")
	ErrPriceUnavailable   = errors.New("price feed unavailable")
	ErrIndexUnresolved    = errors.New("trade index not yet resolved")
)
