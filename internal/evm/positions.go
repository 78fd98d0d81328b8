package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"lpguard/internal/domain"
)

// positionManagerABI is the slice of the NFT position manager the daemon
// needs: fee collection on behalf of the position owner.
const positionManagerABI = `[
	{"type":"function","name":"collect","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenId","type":"uint256"},{"name":"recipient","type":"address"},{"name":"amount0Max","type":"uint128"},{"name":"amount1Max","type":"uint128"}]}],"outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]}
]`

// maxUint128 collects everything owed regardless of amount.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// PositionManager drives the pool's NFT position manager contract. One
// instance serves one deployment on one chain.
type PositionManager struct {
	client  *Client
	signer  *Signer
	keyID   string
	chainID uint64
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// PositionManagerOptions configures a PositionManager.
type PositionManagerOptions struct {
	Client *Client
	Signer *Signer
	// KeyID names the operator key at the signer service.
	KeyID   string
	ChainID uint64
	// Address is the deployed position manager contract.
	Address string
	Logger  *zap.Logger
}

// NewPositionManager creates the contract binding.
func NewPositionManager(opts PositionManagerOptions) (*PositionManager, error) {
	if opts.Client == nil || opts.Signer == nil {
		return nil, fmt.Errorf("evm: position manager requires a client and a signer")
	}
	if opts.KeyID == "" {
		return nil, fmt.Errorf("evm: position manager requires a key id")
	}
	address, err := parseAddress("position manager", opts.Address)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(positionManagerABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse position-manager abi: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionManager{
		client:  opts.Client,
		signer:  opts.Signer,
		keyID:   opts.KeyID,
		chainID: opts.ChainID,
		address: address,
		abi:     parsed,
		logger:  logger,
	}, nil
}

// collectParams mirrors the collect tuple for abi packing.
type collectParams struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

// CollectFees collects all accrued fees of a position to the recipient.
// The call blocks until the transaction mines.
func (p *PositionManager) CollectFees(ctx context.Context, positionID, recipient string) (string, error) {
	tokenID, ok := new(big.Int).SetString(positionID, 10)
	if !ok {
		return "", fmt.Errorf("%w: position id %q is not a token id", domain.ErrValidation, positionID)
	}
	to, err := parseAddress("recipient", recipient)
	if err != nil {
		return "", err
	}

	data, err := p.abi.Pack("collect", collectParams{
		TokenId:    tokenID,
		Recipient:  to,
		Amount0Max: maxUint128,
		Amount1Max: maxUint128,
	})
	if err != nil {
		return "", fmt.Errorf("evm: pack collect: %w", err)
	}

	signed, err := p.signer.SignTransaction(ctx, p.keyID, TxRequest{
		ChainID: p.chainID,
		To:      p.address.Hex(),
		Data:    hexutil.Encode(data),
	})
	if err != nil {
		return "", err
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	txHash := signed.Hash().Hex()

	if _, err := p.client.WaitForReceipt(ctx, signed.Hash()); err != nil {
		return "", err
	}
	p.logger.Info("fees collected",
		zap.String("position_id", positionID),
		zap.String("recipient", recipient),
		zap.String("tx_hash", txHash))
	return txHash, nil
}
