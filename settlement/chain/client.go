package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"tolio/settlement"
)

// ContractClient is a thin JSON-RPC client for the rental escrow contract
// node.
type ContractClient interface {
	CreateDeal(ctx context.Context, req DealCreateRequest) (*TxResult, error)
	ConfirmPickup(ctx context.Context, dealRef, caller string) (*TxResult, error)
	MarkCompleted(ctx context.Context, dealRef, caller string) (*TxResult, error)
	CancelDeal(ctx context.Context, dealRef, caller string) (*TxResult, error)
	ReleaseDeposit(ctx context.Context, dealRef string) (*TxResult, error)
	OpenDispute(ctx context.Context, dealRef, caller string) (*TxResult, error)
	GetDeal(ctx context.Context, dealRef string) (*DealState, error)
	Allowance(ctx context.Context, owner string) (string, error)
	TxReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
}

// RPCContractClient implements ContractClient against the node's JSON-RPC
// server.
type RPCContractClient struct {
	baseURL   string
	authToken string
	contract  string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCContractClient(baseURL, authToken, contract string) *RPCContractClient {
	return &RPCContractClient{
		baseURL:   baseURL,
		authToken: authToken,
		contract:  contract,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Contract revert reasons surfaced through the node's RPC error codes.
const (
	codeInsufficientAllowance = -32050
	codeNotPickedUp           = -32051
	codeAlreadyPickedUp       = -32052
	codeAlreadyCompleted      = -32053
	codeDealNotFound          = -32054
)

// DealCreateRequest mirrors escrow_createDeal. Amounts are strings in token
// base units so they survive JSON without precision loss.
type DealCreateRequest struct {
	Renter          string `json:"renter"`
	Owner           string `json:"owner"`
	Amount          string `json:"amount"`
	SecurityDeposit string `json:"securityDeposit,omitempty"`
	ItemRef         string `json:"itemRef,omitempty"`
	Meta            string `json:"meta,omitempty"`
}

// TxResult is returned by every mutating contract call.
type TxResult struct {
	DealRef string `json:"dealRef,omitempty"`
	TxHash  string `json:"txHash"`
	Status  string `json:"status"`
}

// DealState mirrors escrow_getDeal.
type DealState struct {
	DealRef         string `json:"dealRef"`
	Renter          string `json:"renter"`
	Owner           string `json:"owner"`
	Amount          string `json:"amount"`
	SecurityDeposit string `json:"securityDeposit"`
	OwnerAmount     string `json:"ownerAmount"`
	MarketplaceFee  string `json:"marketplaceFee"`
	Status          string `json:"status"`
	DepositReleased bool   `json:"depositReleased,omitempty"`
	PickedUpAt      int64  `json:"pickedUpAt,omitempty"`
}

// TxReceipt mirrors tx_getReceipt.
type TxReceipt struct {
	TxHash        string `json:"txHash"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
}

func (c *RPCContractClient) CreateDeal(ctx context.Context, req DealCreateRequest) (*TxResult, error) {
	var result TxResult
	if err := c.call(ctx, "escrow_createDeal", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) ConfirmPickup(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	var result TxResult
	params := map[string]string{"dealRef": dealRef, "caller": caller}
	if err := c.call(ctx, "escrow_confirmPickup", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) MarkCompleted(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	var result TxResult
	params := map[string]string{"dealRef": dealRef, "caller": caller}
	if err := c.call(ctx, "escrow_markCompleted", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) CancelDeal(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	var result TxResult
	params := map[string]string{"dealRef": dealRef, "caller": caller}
	if err := c.call(ctx, "escrow_cancelDeal", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) ReleaseDeposit(ctx context.Context, dealRef string) (*TxResult, error) {
	var result TxResult
	params := map[string]string{"dealRef": dealRef}
	if err := c.call(ctx, "escrow_releaseDeposit", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) OpenDispute(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	var result TxResult
	params := map[string]string{"dealRef": dealRef, "caller": caller}
	if err := c.call(ctx, "escrow_openDispute", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) GetDeal(ctx context.Context, dealRef string) (*DealState, error) {
	var result DealState
	params := map[string]string{"dealRef": dealRef}
	if err := c.call(ctx, "escrow_getDeal", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) Allowance(ctx context.Context, owner string) (string, error) {
	var result struct {
		Allowance string `json:"allowance"`
	}
	params := map[string]string{"owner": owner, "spender": c.contract}
	if err := c.call(ctx, "token_allowance", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.Allowance, nil
}

func (c *RPCContractClient) TxReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	var result TxReceipt
	params := map[string]string{"txHash": txHash}
	if err := c.call(ctx, "tx_getReceipt", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCContractClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			// The transaction may have been broadcast; reconcile instead of
			// retrying blind.
			return &settlement.PendingError{Err: err}
		}
		return settlement.Retryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return settlement.Retryable(fmt.Errorf("chain: rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return normalizeRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("chain: rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func normalizeRPCError(method string, e *jsonRPCErrorObj) error {
	switch e.Code {
	case codeInsufficientAllowance:
		return fmt.Errorf("%w: %s", settlement.ErrInsufficientAllowance, e.Message)
	case codeNotPickedUp:
		return fmt.Errorf("%w: %s", settlement.ErrPickupNotConfirmed, e.Message)
	case codeAlreadyPickedUp:
		return fmt.Errorf("%w: %s", settlement.ErrAlreadyPickedUp, e.Message)
	case codeAlreadyCompleted:
		return fmt.Errorf("%w: %s", settlement.ErrAlreadyCaptured, e.Message)
	case codeDealNotFound:
		return fmt.Errorf("%w: %s", settlement.ErrNotAuthorized, e.Message)
	default:
		return fmt.Errorf("chain: rpc %s error %d: %s", method, e.Code, e.Message)
	}
}
