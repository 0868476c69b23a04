package engine

import "errors"

// Rejection reasons surfaced by Open/Close. Callers match with errors.Is;
// the control API maps them to 4xx responses.
var (
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrDuplicateSuppressed = errors.New("duplicate signal suppressed")
	ErrAlreadyOpen         = errors.New("position already open")
	ErrAlreadyClosing      = errors.New("close already in progress")
	ErrCapacityExceeded    = errors.New("max open positions reached")
	ErrNotFound            = errors.New("position not found")
	ErrNothingToSell       = errors.New("no token balance to sell")
	ErrNoConsensus         = errors.New("no verification consensus")
)
