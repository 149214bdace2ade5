// Package chain verifies USDC payments against the blockchain. The quote
// gate calls it before any task executes: the tx must be mined, successful,
// and carry an ERC-20 transfer of at least the quoted total from the user to
// the coordinator's payment address.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrTxNotFound means the chain has no receipt for the hash.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrTxFailed means the tx reverted.
	ErrTxFailed = errors.New("transaction failed on-chain")
	// ErrNoTransfer means no matching USDC Transfer log was found.
	ErrNoTransfer = errors.New("no matching transfer in transaction")
	// ErrAmountTooLow means the transfer value is below the expected amount.
	ErrAmountTooLow = errors.New("transfer amount below expected")
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Reader is the slice of the Ethereum client the verifier needs.
// *ethclient.Client satisfies it.
type Reader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Reader = (*ethclient.Client)(nil)

// Verifier checks payment transactions against one USDC contract.
type Verifier struct {
	reader Reader
	usdc   common.Address
}

// NewVerifier creates a verifier bound to the USDC token contract.
func NewVerifier(reader Reader, usdc common.Address) *Verifier {
	return &Verifier{reader: reader, usdc: usdc}
}

// Dial connects an RPC endpoint and returns a verifier over it.
func Dial(ctx context.Context, rpcURL string, usdc common.Address) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewVerifier(client, usdc), nil
}

// VerifyPayment confirms txHash carries a successful USDC transfer of at
// least expected minor units from userAddress to paymentAddress. Tx reuse
// across quotes is the quote store's concern, not the chain's.
func (v *Verifier) VerifyPayment(ctx context.Context, txHash common.Hash, expected *big.Int, paymentAddress, userAddress common.Address) error {
	receipt, err := v.reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTxNotFound, txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxFailed, txHash.Hex())
	}

	var best *big.Int
	for _, lg := range receipt.Logs {
		value, ok := v.matchTransfer(lg, paymentAddress, userAddress)
		if !ok {
			continue
		}
		if best == nil || value.Cmp(best) > 0 {
			best = value
		}
	}
	if best == nil {
		return fmt.Errorf("%w: %s", ErrNoTransfer, txHash.Hex())
	}
	if best.Cmp(expected) < 0 {
		return fmt.Errorf("%w: got %s, want %s", ErrAmountTooLow, best, expected)
	}
	return nil
}

// matchTransfer returns the value of a USDC Transfer(user -> payment) log.
func (v *Verifier) matchTransfer(lg *types.Log, paymentAddress, userAddress common.Address) (*big.Int, bool) {
	if lg.Address != v.usdc {
		return nil, false
	}
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return nil, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if from != userAddress || to != paymentAddress {
		return nil, false
	}
	return new(big.Int).SetBytes(lg.Data), true
}
