package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"lpguard/internal/domain"
)

// DefaultSignerTimeout bounds one signing round trip.
const DefaultSignerTimeout = 10 * time.Second

// TxRequest is the unsigned transaction handed to the signer service.
// Nonce and gas are managed by the service, which tracks them per key.
type TxRequest struct {
	ChainID uint64 `json:"chain_id"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value,omitempty"`
}

// Signer talks to the external signing service over HTTP. Private keys
// never enter this process; the service returns fully signed payloads.
type Signer struct {
	baseURL    string
	httpClient *http.Client
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerHTTPClient overrides the HTTP client.
func WithSignerHTTPClient(hc *http.Client) SignerOption {
	return func(s *Signer) {
		s.httpClient = hc
	}
}

// NewSigner creates a signer service client.
func NewSigner(baseURL string, opts ...SignerOption) *Signer {
	s := &Signer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultSignerTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignTransaction signs a transaction with the named key and returns the
// decoded signed transaction, ready to broadcast.
func (s *Signer) SignTransaction(ctx context.Context, keyID string, tx TxRequest) (*types.Transaction, error) {
	var resp struct {
		RawTx hexutil.Bytes `json:"raw_tx"`
	}
	req := struct {
		KeyID string    `json:"key_id"`
		Tx    TxRequest `json:"tx"`
	}{KeyID: keyID, Tx: tx}
	if err := s.post(ctx, "/v1/sign/transaction", req, &resp); err != nil {
		return nil, err
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(resp.RawTx); err != nil {
		return nil, fmt.Errorf("signer: decode signed transaction: %w", err)
	}
	return signed, nil
}

// SignTypedData signs an EIP-712 payload with the named key. Used for
// operator authorization intents that the contract verifies on-chain.
func (s *Signer) SignTypedData(ctx context.Context, keyID string, td apitypes.TypedData) ([]byte, error) {
	var resp struct {
		Signature hexutil.Bytes `json:"signature"`
	}
	req := struct {
		KeyID     string             `json:"key_id"`
		TypedData apitypes.TypedData `json:"typed_data"`
	}{KeyID: keyID, TypedData: td}
	if err := s.post(ctx, "/v1/sign/typed-data", req, &resp); err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

func (s *Signer) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("signer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: signer: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: signer: read response: %v", domain.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: signer", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: signer: status %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, raw)
	default:
		return fmt.Errorf("%w: signer: status %d: %s", domain.ErrValidation, resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("signer: decode response: %w", err)
	}
	return nil
}
