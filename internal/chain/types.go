package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt summarizes the on-ledger inclusion state of a broadcast transaction.
// Confirmations counts blocks from the inclusion block to the current head,
// inclusive, so a freshly mined transaction reports depth 1.
type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Status        uint64
	Confirmations uint64
}

// Client defines the narrow ledger capability the signer composes with. It is
// intentionally smaller than a full wallet: nonce lookup, receipt lookup and
// raw broadcast are all the packing engine ever needs from the chain.
type Client interface {
	// TransactionCount returns the account nonce at the latest block.
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
	// TransactionReceipt returns nil (and no error) while the ledger does not
	// know the transaction yet.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	// SendRawTransaction broadcasts an already-signed transaction.
	SendRawTransaction(ctx context.Context, raw []byte) error
	Close()
}
