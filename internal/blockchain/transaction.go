package blockchain

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// ComputeBudgetProgramID is the compute budget program
const ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

const defaultComputeUnitLimit = 600_000

// TransactionBuilder signs swap transactions against the cached blockhash
type TransactionBuilder struct {
	wallet              *Wallet
	blockhashCache      *BlockhashCache
	priorityFeeLamports uint64
	computeUnitLimit    uint32
}

func NewTransactionBuilder(wallet *Wallet, blockhashCache *BlockhashCache, priorityFeeLamports uint64) *TransactionBuilder {
	return &TransactionBuilder{
		wallet:              wallet,
		blockhashCache:      blockhashCache,
		priorityFeeLamports: priorityFeeLamports,
		computeUnitLimit:    defaultComputeUnitLimit,
	}
}

func (b *TransactionBuilder) SetComputeUnitLimit(limit uint32) {
	b.computeUnitLimit = limit
}

// BuildComputeBudgetInstructions encodes SetComputeUnitLimit (type 2) and
// SetComputeUnitPrice (type 3) instruction payloads. The price is derived
// from the configured flat priority fee spread over the unit limit.
func (b *TransactionBuilder) BuildComputeBudgetInstructions() (setLimit []byte, setPrice []byte) {
	setLimit = make([]byte, 5)
	setLimit[0] = 2
	binary.LittleEndian.PutUint32(setLimit[1:], b.computeUnitLimit)

	microLamportsPerCU := (b.priorityFeeLamports * 1_000_000) / uint64(b.computeUnitLimit)
	setPrice = make([]byte, 9)
	setPrice[0] = 3
	binary.LittleEndian.PutUint64(setPrice[1:], microLamportsPerCU)

	return setLimit, setPrice
}

// ComputeBudgetProgramIDBytes returns the program ID decoded to raw bytes
func ComputeBudgetProgramIDBytes() []byte {
	raw, _ := base58.Decode(ComputeBudgetProgramID)
	return raw
}

// SignSerializedTransaction signs the base64 transaction produced by the
// swap aggregator. The wire shape is [compact-u16 signature count]
// [signatures][message]; the wallet's signature goes in the first slot.
func (b *TransactionBuilder) SignSerializedTransaction(serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) == 0 {
		return "", fmt.Errorf("empty transaction")
	}

	sigCount := int(txBytes[0])
	if sigCount == 0 {
		// No signature slots reserved: prepend ours
		message := txBytes[1:]
		signature := b.wallet.Sign(message)

		signed := make([]byte, 1+64+len(message))
		signed[0] = 1
		copy(signed[1:65], signature)
		copy(signed[65:], message)
		return base64.StdEncoding.EncodeToString(signed), nil
	}

	messageOffset := 1 + sigCount*64
	if messageOffset >= len(txBytes) {
		return "", fmt.Errorf("malformed transaction: %d signature slots in %d bytes", sigCount, len(txBytes))
	}

	signature := b.wallet.Sign(txBytes[messageOffset:])
	copy(txBytes[1:65], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// GetRecentBlockhash returns the cached blockhash
func (b *TransactionBuilder) GetRecentBlockhash() (string, error) {
	return b.blockhashCache.Get()
}
