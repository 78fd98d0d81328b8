package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpguard/internal/closeorder"
	"lpguard/internal/domain"
)

// closeOrderABI is the manager contract surface: registration, per-field
// setters, execution, the orders view, and the OrderExecuted event.
const closeOrderABI = `[
	{"type":"function","name":"registerOrder","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"triggerTick","type":"int24"},{"name":"slippageBps","type":"uint32"},{"name":"payout","type":"address"},{"name":"operator","type":"address"},{"name":"validUntil","type":"uint64"},{"name":"swapToQuote","type":"bool"}],"outputs":[]},
	{"type":"function","name":"cancelOrder","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"executeOrder","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"setTriggerTick","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"triggerTick","type":"int24"}],"outputs":[]},
	{"type":"function","name":"setSlippageBps","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"slippageBps","type":"uint32"}],"outputs":[]},
	{"type":"function","name":"setPayout","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"payout","type":"address"}],"outputs":[]},
	{"type":"function","name":"setOperator","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"operator","type":"address"}],"outputs":[]},
	{"type":"function","name":"setValidUntil","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"},{"name":"validUntil","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"orders","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"side","type":"uint8"}],"outputs":[{"name":"registered","type":"bool"},{"name":"executed","type":"bool"},{"name":"cancelled","type":"bool"},{"name":"triggerTick","type":"int24"},{"name":"slippageBps","type":"uint32"},{"name":"payout","type":"address"},{"name":"operator","type":"address"},{"name":"owner","type":"address"},{"name":"validUntil","type":"uint64"},{"name":"swapToQuote","type":"bool"}]},
	{"type":"event","name":"OrderExecuted","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"side","type":"uint8","indexed":false},{"name":"amount0Out","type":"uint256","indexed":false},{"name":"amount1Out","type":"uint256","indexed":false},{"name":"sqrtPriceX96","type":"uint160","indexed":false}]}
]`

// Trigger side encoding used by the contract.
const (
	sideLower uint8 = 0
	sideUpper uint8 = 1
)

// OrderContract drives a deployed close-order manager contract through
// the chain client and the external signer. One instance serves one
// chain; the contract address comes from each order.
type OrderContract struct {
	client *Client
	signer *Signer
	keyID  string
	abi    abi.ABI
	logger *zap.Logger
}

var _ closeorder.Contract = (*OrderContract)(nil)

// OrderContractOptions configures an OrderContract.
type OrderContractOptions struct {
	Client *Client
	Signer *Signer
	// KeyID names the operator key at the signer service.
	KeyID  string
	Logger *zap.Logger
}

// NewOrderContract creates the contract binding.
func NewOrderContract(opts OrderContractOptions) (*OrderContract, error) {
	if opts.Client == nil || opts.Signer == nil {
		return nil, fmt.Errorf("evm: order contract requires a client and a signer")
	}
	if opts.KeyID == "" {
		return nil, fmt.Errorf("evm: order contract requires a key id")
	}
	parsed, err := abi.JSON(strings.NewReader(closeOrderABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse close-order abi: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderContract{
		client: opts.Client,
		signer: opts.Signer,
		keyID:  opts.KeyID,
		abi:    parsed,
		logger: logger,
	}, nil
}

// RegisterOrder implements closeorder.Contract.
func (c *OrderContract) RegisterOrder(ctx context.Context, o *domain.CloseOrder) (string, error) {
	tokenID, side, err := orderIdentity(o)
	if err != nil {
		return "", err
	}
	payout, err := parseAddress("payout", o.Payout)
	if err != nil {
		return "", err
	}
	operator, err := parseAddress("operator", o.Operator)
	if err != nil {
		return "", err
	}

	data, err := c.abi.Pack("registerOrder",
		tokenID, side,
		big.NewInt(int64(o.TriggerTick)),
		o.SlippageBps,
		payout, operator,
		uint64(o.ValidUntil.Unix()),
		o.SwapToQuote,
	)
	if err != nil {
		return "", fmt.Errorf("evm: pack registerOrder: %w", err)
	}
	return c.submit(ctx, o, data)
}

// CancelOrder implements closeorder.Contract.
func (c *OrderContract) CancelOrder(ctx context.Context, o *domain.CloseOrder) (string, error) {
	tokenID, side, err := orderIdentity(o)
	if err != nil {
		return "", err
	}
	data, err := c.abi.Pack("cancelOrder", tokenID, side)
	if err != nil {
		return "", fmt.Errorf("evm: pack cancelOrder: %w", err)
	}
	return c.submit(ctx, o, data)
}

// UpdateOrder implements closeorder.Contract. Each non-nil field goes
// through its own setter; the hash of the last submitted transaction is
// returned.
func (c *OrderContract) UpdateOrder(ctx context.Context, o *domain.CloseOrder, u closeorder.OrderUpdate) (string, error) {
	tokenID, side, err := orderIdentity(o)
	if err != nil {
		return "", err
	}

	var calls [][]byte
	if u.TriggerTick != nil {
		data, err := c.abi.Pack("setTriggerTick", tokenID, side, big.NewInt(int64(*u.TriggerTick)))
		if err != nil {
			return "", fmt.Errorf("evm: pack setTriggerTick: %w", err)
		}
		calls = append(calls, data)
	}
	if u.SlippageBps != nil {
		data, err := c.abi.Pack("setSlippageBps", tokenID, side, *u.SlippageBps)
		if err != nil {
			return "", fmt.Errorf("evm: pack setSlippageBps: %w", err)
		}
		calls = append(calls, data)
	}
	if u.Payout != nil {
		addr, err := parseAddress("payout", *u.Payout)
		if err != nil {
			return "", err
		}
		data, err := c.abi.Pack("setPayout", tokenID, side, addr)
		if err != nil {
			return "", fmt.Errorf("evm: pack setPayout: %w", err)
		}
		calls = append(calls, data)
	}
	if u.Operator != nil {
		addr, err := parseAddress("operator", *u.Operator)
		if err != nil {
			return "", err
		}
		data, err := c.abi.Pack("setOperator", tokenID, side, addr)
		if err != nil {
			return "", fmt.Errorf("evm: pack setOperator: %w", err)
		}
		calls = append(calls, data)
	}
	if u.ValidUntil != nil {
		data, err := c.abi.Pack("setValidUntil", tokenID, side, uint64(u.ValidUntil.Unix()))
		if err != nil {
			return "", fmt.Errorf("evm: pack setValidUntil: %w", err)
		}
		calls = append(calls, data)
	}
	if len(calls) == 0 {
		return "", fmt.Errorf("%w: order update has no fields", domain.ErrValidation)
	}

	var txHash string
	for _, data := range calls {
		txHash, err = c.submit(ctx, o, data)
		if err != nil {
			return "", err
		}
	}
	return txHash, nil
}

// ExecuteOrder implements closeorder.Contract. The call blocks until the
// transaction mines and returns the realized amounts from the
// OrderExecuted event.
func (c *OrderContract) ExecuteOrder(ctx context.Context, o *domain.CloseOrder, triggerPrice decimal.Decimal) (*closeorder.ExecutionResult, error) {
	tokenID, side, err := orderIdentity(o)
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack("executeOrder", tokenID, side)
	if err != nil {
		return nil, fmt.Errorf("evm: pack executeOrder: %w", err)
	}

	txHash, err := c.submit(ctx, o, data)
	if err != nil {
		return nil, err
	}
	c.logger.Info("close transaction submitted",
		zap.String("order_key", o.Key()),
		zap.String("tx_hash", txHash),
		zap.String("trigger_price", triggerPrice.String()))

	receipt, err := c.client.WaitForReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}

	result := &closeorder.ExecutionResult{
		TxHash:        txHash,
		RealizedPrice: triggerPrice,
	}
	if ev, ok := c.findExecutedEvent(receipt, tokenID); ok {
		result.Amount0Out = decimal.NewFromBigInt(ev.amount0Out, 0)
		result.Amount1Out = decimal.NewFromBigInt(ev.amount1Out, 0)
		result.RealizedPrice = priceFromSqrtX96(ev.sqrtPriceX96)
	}
	return result, nil
}

// ReadOrder implements closeorder.Contract.
func (c *OrderContract) ReadOrder(ctx context.Context, o *domain.CloseOrder) (*closeorder.ChainOrderState, error) {
	tokenID, side, err := orderIdentity(o)
	if err != nil {
		return nil, err
	}
	address, err := parseAddress("contract", o.Contract)
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack("orders", tokenID, side)
	if err != nil {
		return nil, fmt.Errorf("evm: pack orders: %w", err)
	}

	block, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	out, err := c.client.ReadContract(ctx, address, data)
	if err != nil {
		return nil, err
	}
	values, err := c.abi.Unpack("orders", out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack orders: %w", err)
	}
	if len(values) != 10 {
		return nil, fmt.Errorf("evm: orders view returned %d values", len(values))
	}

	state := &closeorder.ChainOrderState{
		Registered:  values[0].(bool),
		Executed:    values[1].(bool),
		Cancelled:   values[2].(bool),
		TriggerTick: int32(values[3].(*big.Int).Int64()),
		SlippageBps: values[4].(uint32),
		Payout:      values[5].(common.Address).Hex(),
		Operator:    values[6].(common.Address).Hex(),
		Owner:       values[7].(common.Address).Hex(),
		SwapToQuote: values[9].(bool),
		Block:       block,
	}
	if validUntil := values[8].(uint64); validUntil > 0 {
		state.ValidUntil = time.Unix(int64(validUntil), 0).UTC()
	}
	return state, nil
}

// submit signs data as a transaction to the order's contract and
// broadcasts it.
func (c *OrderContract) submit(ctx context.Context, o *domain.CloseOrder, data []byte) (string, error) {
	signed, err := c.signer.SignTransaction(ctx, c.keyID, TxRequest{
		ChainID: o.ChainID,
		To:      o.Contract,
		Data:    hexutil.Encode(data),
	})
	if err != nil {
		return "", err
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

type executedEvent struct {
	amount0Out   *big.Int
	amount1Out   *big.Int
	sqrtPriceX96 *big.Int
}

// findExecutedEvent scans receipt logs for the OrderExecuted event of
// the given token. Older contract versions do not emit it, in which case
// the caller falls back to the captured trigger price.
func (c *OrderContract) findExecutedEvent(receipt *types.Receipt, tokenID *big.Int) (*executedEvent, bool) {
	event := c.abi.Events["OrderExecuted"]
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != event.ID {
			continue
		}
		if new(big.Int).SetBytes(log.Topics[1].Bytes()).Cmp(tokenID) != 0 {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil || len(values) != 4 {
			c.logger.Warn("malformed OrderExecuted event", zap.Error(err))
			continue
		}
		return &executedEvent{
			amount0Out:   values[1].(*big.Int),
			amount1Out:   values[2].(*big.Int),
			sqrtPriceX96: values[3].(*big.Int),
		}, true
	}
	return nil, false
}

// orderIdentity maps the close-order identity onto the contract encoding.
// The position id is the NFT token id in decimal form.
func orderIdentity(o *domain.CloseOrder) (*big.Int, uint8, error) {
	tokenID, ok := new(big.Int).SetString(o.PositionID, 10)
	if !ok {
		return nil, 0, fmt.Errorf("%w: position id %q is not a token id", domain.ErrValidation, o.PositionID)
	}
	switch o.Side {
	case domain.TriggerLower:
		return tokenID, sideLower, nil
	case domain.TriggerUpper:
		return tokenID, sideUpper, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown trigger side %q", domain.ErrValidation, o.Side)
	}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s address %q", domain.ErrValidation, field, s)
	}
	return common.HexToAddress(s), nil
}

// priceFromSqrtX96 converts a Q64.96 sqrt price into a token1/token0
// price.
func priceFromSqrtX96(sqrtPriceX96 *big.Int) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return decimal.Zero
	}
	squared := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	q192 := new(big.Int).Lsh(big.NewInt(1), 192)
	return decimal.NewFromBigInt(squared, 0).DivRound(decimal.NewFromBigInt(q192, 0), 18)
}

// AuthorizationTypedData builds the EIP-712 payload an owner signs to
// delegate close execution to the operator key.
func AuthorizationTypedData(auth domain.Authorization, chainID uint64, verifyingContract string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"OperatorAuthorization": []apitypes.Type{
				{Name: "wallet", Type: "address"},
				{Name: "scope", Type: "string"},
				{Name: "expiresAt", Type: "uint64"},
			},
		},
		PrimaryType: "OperatorAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              "CloseOrderManager",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"wallet":    auth.Wallet,
			"scope":     auth.Scope,
			"expiresAt": fmt.Sprintf("%d", auth.ExpiresAt.Unix()),
		},
	}
}
