package blockchain

import (
	"context"
	"encoding/json"
	"strings"
)

// TransactionDetail is a confirmed transaction with its full metadata,
// as returned by getTransaction with jsonParsed encoding.
type TransactionDetail struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []AccountKey `json:"accountKeys"`
		} `json:"message"`
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

// AccountKey is one entry of the transaction's account list
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// TransactionMeta holds the execution side effects of a transaction
type TransactionMeta struct {
	Err               interface{}           `json:"err"` // nil = success
	Fee               uint64                `json:"fee"`
	PreBalances       []uint64              `json:"preBalances"`
	PostBalances      []uint64              `json:"postBalances"`
	PreTokenBalances  []TokenBalanceEntry   `json:"preTokenBalances"`
	PostTokenBalances []TokenBalanceEntry   `json:"postTokenBalances"`
	LogMessages       []string              `json:"logMessages"`
	InnerInstructions []InnerInstructionSet `json:"innerInstructions"`
}

// TokenBalanceEntry is a pre/post token balance snapshot row
type TokenBalanceEntry struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount is the RPC token amount shape (raw string + decimals)
type UITokenAmount struct {
	Amount   string  `json:"amount"`
	Decimals uint8   `json:"decimals"`
	UIAmount float64 `json:"uiAmount"`
}

// InnerInstructionSet groups inner instructions by outer instruction index
type InnerInstructionSet struct {
	Index        int                 `json:"index"`
	Instructions []ParsedInstruction `json:"instructions"`
}

// ParsedInstruction is one jsonParsed instruction record
type ParsedInstruction struct {
	Program   string           `json:"program"`
	ProgramID string           `json:"programId"`
	Parsed    *ParsedInnerData `json:"parsed,omitempty"`
}

// ParsedInnerData carries the instruction type and its decoded fields
type ParsedInnerData struct {
	Type string          `json:"type"`
	Info InstructionInfo `json:"info"`
}

// InstructionInfo is the union of the fields this engine consumes from
// system/token instructions. Absent fields stay zero.
type InstructionInfo struct {
	Mint        string         `json:"mint"`
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Authority   string         `json:"authority"`
	Owner       string         `json:"owner"`
	Account     string         `json:"account"`
	NewAccount  string         `json:"newAccount"`
	Amount      string         `json:"amount"`
	Lamports    uint64         `json:"lamports"`
	TokenAmount *UITokenAmount `json:"tokenAmount,omitempty"`
}

// Succeeded reports whether the transaction executed without error
func (d *TransactionDetail) Succeeded() bool {
	return d.Meta != nil && d.Meta.Err == nil
}

// ErrTransactionNotFound marks a signature the ledger has no record of
var ErrTransactionNotFound = &RPCError{Code: -32004, Message: "transaction not found"}

// IsNotFound reports whether err means the signature is unknown to the chain
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if err == ErrTransactionNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// GetTransaction fetches a confirmed transaction with full metadata.
// Returns ErrTransactionNotFound when the ledger has no record.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []interface{}{
			signature,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}

	var raw json.RawMessage
	if err := c.call(ctx, req, &raw); err != nil {
		return nil, err
	}

	// getTransaction returns a literal null for unknown signatures
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrTransactionNotFound
	}

	var detail TransactionDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}
