package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway. Mutations carry
// the caller's signature through unchanged; the gateway never holds user keys.
type NodeClient interface {
	EscrowInitialize(ctx context.Context, req InitializeRequest) (*EscrowState, error)
	EscrowInstruction(ctx context.Context, method string, req InstructionRequest) error
	EscrowGet(ctx context.Context, id string) (*EscrowState, error)
	FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error)
}

// NodeError carries the node's JSON-RPC error alongside the HTTP status it
// arrived with, so the gateway can map failures faithfully.
type NodeError struct {
	Status  int
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc error (status=%d code=%d): %s", e.Status, e.Code, e.Message)
}

// RPCNodeClient implements NodeClient against the agrichain JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
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

// InitializeRequest is the signed initialize payload accepted by the gateway
// and forwarded verbatim to the node.
type InitializeRequest struct {
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	OrderDetails string `json:"orderDetails"`
	Amount       string `json:"amount"`
	Signature    string `json:"signature"`
}

// InstructionRequest is a signed id-addressed instruction payload.
type InstructionRequest struct {
	ID        string `json:"id"`
	Vault     string `json:"vault,omitempty"`
	Signature string `json:"signature"`
}

// EscrowState mirrors the JSON returned by the node for escrow queries.
type EscrowState struct {
	ID           string `json:"id"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	OrderDetails string `json:"orderDetails"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Bump         uint8  `json:"bump"`
	CreatedAt    int64  `json:"createdAt"`
	Vault        string `json:"vault"`
	VaultBalance string `json:"vaultBalance,omitempty"`
}

// NodeEvent represents an escrow lifecycle event returned by the node.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (c *RPCNodeClient) EscrowInitialize(ctx context.Context, req InitializeRequest) (*EscrowState, error) {
	var result EscrowState
	if err := c.call(ctx, "escrow_initialize", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) EscrowInstruction(ctx context.Context, method string, req InstructionRequest) error {
	return c.call(ctx, method, []interface{}{req}, nil)
}

func (c *RPCNodeClient) EscrowGet(ctx context.Context, id string) (*EscrowState, error) {
	var result EscrowState
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error) {
	params := map[string]interface{}{"after": afterSeq}
	if limit > 0 {
		params["limit"] = limit
	}
	var result struct {
		Events []NodeEvent `json:"events"`
	}
	if err := c.call(ctx, "escrow_listEvents", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
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
		return err
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&rpcResp); decErr != nil {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return &NodeError{Status: resp.StatusCode, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
