package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"lpguard/internal/closeorder"
	"lpguard/internal/domain"
)

type fakeBackend struct {
	callFn    func(msg ethereum.CallMsg) ([]byte, error)
	onSend    func(tx *types.Transaction)
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	blockN    uint64
	callErrs  []error
	callCount int
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.callCount++
	if len(b.callErrs) > 0 {
		err := b.callErrs[0]
		b.callErrs = b.callErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if b.callFn != nil {
		return b.callFn(msg)
	}
	return nil, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	if b.onSend != nil {
		b.onSend(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	return b.blockN, nil
}

func fastClient(backend Backend) *Client {
	return NewClient(backend,
		WithMaxRetries(2),
		WithRetryDelay(time.Millisecond),
		WithReceiptPoll(time.Millisecond))
}

func TestClientRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{
		callErrs: []error{
			errors.New("dial tcp: connection refused"),
			errors.New("429 too many requests"),
			nil,
		},
		callFn: func(ethereum.CallMsg) ([]byte, error) { return []byte{0x01}, nil },
	}
	client := fastClient(backend)

	out, err := client.ReadContract(context.Background(), common.Address{}, nil)
	if err != nil {
		t.Fatalf("ReadContract: %v", err)
	}
	if len(out) != 1 || backend.callCount != 3 {
		t.Fatalf("got %d calls, want 3 with a result", backend.callCount)
	}
}

func TestClientStopsOnPermanentError(t *testing.T) {
	backend := &fakeBackend{
		callErrs: []error{errors.New("execution reverted: order not active")},
	}
	client := fastClient(backend)

	_, err := client.ReadContract(context.Background(), common.Address{}, nil)
	if err == nil || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("err = %v, want revert", err)
	}
	if backend.callCount != 1 {
		t.Fatalf("permanent error retried: %d calls", backend.callCount)
	}
}

func TestClassify(t *testing.T) {
	if err := classify(errors.New("429 too many requests")); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("429 classified as %v", err)
	}
	if err := classify(errors.New("i/o timeout")); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("timeout classified as %v", err)
	}
	if err := classify(errors.New("execution reverted: timeout guard")); domain.Retryable(err) {
		t.Fatal("revert classified retryable")
	}
}

func TestWaitForReceiptRevertedTransaction(t *testing.T) {
	txHash := common.HexToHash("0xdead")
	backend := &fakeBackend{
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: types.ReceiptStatusFailed},
		},
	}
	client := fastClient(backend)

	_, err := client.WaitForReceipt(context.Background(), txHash)
	if err == nil || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("err = %v, want reverted", err)
	}
}

func TestWaitForReceiptHonorsContext(t *testing.T) {
	backend := &fakeBackend{}
	client := fastClient(backend)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.WaitForReceipt(ctx, common.HexToHash("0x01"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// testSigner serves the signer API with a local key, so signed
// transactions decode and broadcast like production ones.
func testSigner(t *testing.T) *httptest.Server {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var nonce uint64

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			KeyID string    `json:"key_id"`
			Tx    TxRequest `json:"tx"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		to := common.HexToAddress(req.Tx.To)
		data, err := hexutil.Decode(req.Tx.Data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tx, err := types.SignNewTx(key, types.LatestSignerForChainID(new(big.Int).SetUint64(req.Tx.ChainID)), &types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(req.Tx.ChainID),
			Nonce:     nonce,
			To:        &to,
			Data:      data,
			Gas:       500_000,
			GasFeeCap: big.NewInt(1),
			GasTipCap: big.NewInt(1),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		nonce++
		raw, err := tx.MarshalBinary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"raw_tx": hexutil.Bytes(raw)})
	}))
}

func testOrder() *domain.CloseOrder {
	return &domain.CloseOrder{
		Protocol:    domain.ProtocolUniswapV3,
		ChainID:     8453,
		PositionID:  "123456",
		Side:        domain.TriggerLower,
		Contract:    "0x00000000000000000000000000000000000000aa",
		Pool:        "0x00000000000000000000000000000000000000bb",
		TriggerTick: -1000,
		SlippageBps: 50,
		Payout:      "0x00000000000000000000000000000000000000cc",
		Operator:    "0x00000000000000000000000000000000000000dd",
		ValidUntil:  time.Unix(2_000_000_000, 0),
		SwapToQuote: true,
	}
}

func newTestContract(t *testing.T, backend Backend, signerURL string) *OrderContract {
	t.Helper()
	contract, err := NewOrderContract(OrderContractOptions{
		Client: fastClient(backend),
		Signer: NewSigner(signerURL),
		KeyID:  "operator-1",
	})
	if err != nil {
		t.Fatalf("NewOrderContract: %v", err)
	}
	return contract
}

func TestRegisterOrderSignsAndBroadcasts(t *testing.T) {
	signer := testSigner(t)
	defer signer.Close()
	backend := &fakeBackend{}
	contract := newTestContract(t, backend, signer.URL)

	txHash, err := contract.RegisterOrder(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("RegisterOrder: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(backend.sent))
	}
	if backend.sent[0].Hash().Hex() != txHash {
		t.Fatalf("hash mismatch: %s vs %s", backend.sent[0].Hash().Hex(), txHash)
	}
	if to := backend.sent[0].To(); to == nil || to.Hex() != common.HexToAddress(testOrder().Contract).Hex() {
		t.Fatalf("transaction sent to %v", to)
	}
}

func TestUpdateOrderSubmitsOneSetterPerField(t *testing.T) {
	signer := testSigner(t)
	defer signer.Close()
	backend := &fakeBackend{}
	contract := newTestContract(t, backend, signer.URL)

	tick := int32(-900)
	slippage := uint32(75)
	_, err := contract.UpdateOrder(context.Background(), testOrder(), closeorder.OrderUpdate{
		TriggerTick: &tick,
		SlippageBps: &slippage,
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("broadcast %d transactions, want 2", len(backend.sent))
	}
}

func TestUpdateOrderRejectsEmptyUpdate(t *testing.T) {
	signer := testSigner(t)
	defer signer.Close()
	contract := newTestContract(t, &fakeBackend{}, signer.URL)

	_, err := contract.UpdateOrder(context.Background(), testOrder(), closeorder.OrderUpdate{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestReadOrderDecodesView(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(closeOrderABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	packed, err := parsed.Methods["orders"].Outputs.Pack(
		true, false, false,
		big.NewInt(-1000), uint32(50),
		common.HexToAddress("0xcc"), common.HexToAddress("0xdd"), common.HexToAddress("0xee"),
		uint64(2_000_000_000), true,
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}

	signer := testSigner(t)
	defer signer.Close()
	backend := &fakeBackend{
		blockN: 42,
		callFn: func(ethereum.CallMsg) ([]byte, error) { return packed, nil },
	}
	contract := newTestContract(t, backend, signer.URL)

	state, err := contract.ReadOrder(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("ReadOrder: %v", err)
	}
	if !state.Registered || state.Executed || state.Cancelled {
		t.Fatalf("flags = %+v", state)
	}
	if state.TriggerTick != -1000 || state.SlippageBps != 50 || !state.SwapToQuote {
		t.Fatalf("config = %+v", state)
	}
	if state.Block != 42 {
		t.Fatalf("block = %d, want 42", state.Block)
	}
	if state.ValidUntil.Unix() != 2_000_000_000 {
		t.Fatalf("valid until = %v", state.ValidUntil)
	}
}

func TestExecuteOrderParsesExecutedEvent(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(closeOrderABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	event := parsed.Events["OrderExecuted"]
	sqrtX96 := new(big.Int).Lsh(big.NewInt(2), 96) // price 4
	data, err := event.Inputs.NonIndexed().Pack(
		uint8(0), big.NewInt(1500), big.NewInt(0), sqrtX96,
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	signer := testSigner(t)
	defer signer.Close()
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	// Mine every broadcast immediately with the executed event attached.
	backend.onSend = func(tx *types.Transaction) {
		backend.receipts[tx.Hash()] = &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{{
				Topics: []common.Hash{
					event.ID,
					common.BigToHash(big.NewInt(123456)),
				},
				Data: data,
			}},
		}
	}
	contract := newTestContract(t, backend, signer.URL)

	result, err := contract.ExecuteOrder(context.Background(), testOrder(), decimal.RequireFromString("3.9"))
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if !result.Amount1Out.Equal(decimal.RequireFromString("1500")) {
		t.Fatalf("amount1 = %s, want 1500", result.Amount1Out)
	}
	if !result.RealizedPrice.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("realized price = %s, want 4", result.RealizedPrice)
	}
	if result.TxHash == "" {
		t.Fatal("missing tx hash")
	}
}

func TestSignerErrorClasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "key locked", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSigner(srv.URL).SignTransaction(context.Background(), "k", TxRequest{ChainID: 1})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream unavailable", err)
	}
}

func TestPriceFromSqrtX96(t *testing.T) {
	got := priceFromSqrtX96(new(big.Int).Lsh(big.NewInt(3), 96))
	if !got.Equal(decimal.RequireFromString("9")) {
		t.Fatalf("price = %s, want 9", got)
	}
	if !priceFromSqrtX96(nil).IsZero() {
		t.Fatal("nil sqrt price not zero")
	}
}

func TestAuthorizationTypedData(t *testing.T) {
	td := AuthorizationTypedData(domain.Authorization{
		Wallet:    "0x00000000000000000000000000000000000000aa",
		Scope:     "close-orders",
		ExpiresAt: time.Unix(2_000_000_000, 0),
	}, 8453, "0x00000000000000000000000000000000000000bb")

	if td.PrimaryType != "OperatorAuthorization" {
		t.Fatalf("primary type = %s", td.PrimaryType)
	}
	if td.Message["scope"] != "close-orders" {
		t.Fatalf("scope = %v", td.Message["scope"])
	}
	if fmt.Sprintf("%v", td.Message["expiresAt"]) != "2000000000" {
		t.Fatalf("expiresAt = %v", td.Message["expiresAt"])
	}
}
