package blockchain

import (
	"strings"
)

// TxError represents a human-readable transaction error
type TxError struct {
	Code    int
	Raw     string
	Message string
	Action  string
}

func (e *TxError) Error() string {
	return e.Message
}

// ParseTxError converts RPC error to human-readable message
func ParseTxError(err error) *TxError {
	if err == nil {
		return nil
	}

	raw := err.Error()
	txErr := &TxError{Raw: raw}

	if rpcErr, ok := err.(*RPCError); ok {
		txErr.Code = rpcErr.Code
	}

	switch {

	// Insufficient balance
	case contains(raw, "no record of a prior credit"):
		txErr.Message = "INSUFFICIENT BALANCE - wallet has 0 SOL"
		txErr.Action = "Fund wallet with SOL"

	case contains(raw, "insufficient funds"):
		txErr.Message = "INSUFFICIENT BALANCE - not enough SOL for trade + fees"
		txErr.Action = "Add more SOL to wallet"

	case contains(raw, "insufficient lamports"):
		txErr.Message = "INSUFFICIENT BALANCE - not enough lamports"
		txErr.Action = "Add more SOL to wallet"

	// Slippage / price errors
	case contains(raw, "ExceededSlippage"):
		txErr.Message = "SLIPPAGE EXCEEDED - market moved against you"
		txErr.Action = "Retry with a wider tolerance"

	case contains(raw, "slippage"):
		txErr.Message = "SLIPPAGE TOO HIGH - price moved too much"
		txErr.Action = "Retry with a wider tolerance"

	// No route from the aggregator
	case contains(raw, "no route"):
		txErr.Message = "NO SWAP ROUTE - no pool can fill this trade"
		txErr.Action = "Token may have lost liquidity"

	// Blockhash expired
	case contains(raw, "blockhash not found"):
		txErr.Message = "BLOCKHASH EXPIRED - transaction took too long"
		txErr.Action = "Retry immediately"

	case contains(raw, "block height exceeded"):
		txErr.Message = "TRANSACTION EXPIRED - blockhash too old"
		txErr.Action = "Retry immediately"

	// Rate limiting
	case contains(raw, "429"), contains(raw, "rate limit"):
		txErr.Message = "RATE LIMITED - RPC throttled"
		txErr.Action = "Wait and retry"

	// Account errors
	case contains(raw, "account not found"), contains(raw, "AccountNotFound"):
		txErr.Message = "TOKEN ACCOUNT NOT FOUND - wallet may not hold this token"
		txErr.Action = "Check token balance"

	// Program errors
	case contains(raw, "custom program error"):
		txErr.Message = "PROGRAM ERROR - DEX rejected the swap"
		txErr.Action = "Check token liquidity"

	// Network errors
	case contains(raw, "connection refused"):
		txErr.Message = "RPC CONNECTION FAILED"
		txErr.Action = "Check network connectivity"

	case contains(raw, "timeout"):
		txErr.Message = "RPC TIMEOUT - network slow"
		txErr.Action = "Retry"

	default:
		txErr.Message = "TRANSACTION FAILED"
		txErr.Action = "Check raw error"
	}

	return txErr
}

// HumanError returns a human-readable error string
func HumanError(err error) string {
	if err == nil {
		return ""
	}
	return ParseTxError(err).Message
}

// HumanErrorWithAction returns error + suggested action
func HumanErrorWithAction(err error) string {
	if err == nil {
		return ""
	}
	txErr := ParseTxError(err)
	return txErr.Message + " -> " + txErr.Action
}

// IsSlippage reports whether the error is a slippage-class failure worth
// retrying at a wider tolerance
func IsSlippage(err error) bool {
	return err != nil && (contains(err.Error(), "slippage") || contains(err.Error(), "ExceededSlippage"))
}

// IsNoRoute reports whether the error is a terminal no-route quote failure,
// which exhausts close retries instead of rescheduling them.
func IsNoRoute(err error) bool {
	return err != nil && contains(err.Error(), "no route")
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
