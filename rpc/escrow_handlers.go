package rpc

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"agrichain/core"
	"agrichain/crypto"
	"agrichain/native/escrow"
)

// InitializeDigest is the digest a buyer signs to authorize escrow_initialize.
// Clients and the server must derive it identically.
func InitializeDigest(buyer, seller [20]byte, orderDetails string, amount uint64) [32]byte {
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	return crypto.InstructionDigest("escrow_initialize", buyer[:], seller[:], []byte(orderDetails), amt[:])
}

// InstructionIDDigest is the digest signed for the id-addressed instructions
// (confirm, refund, fail, withdraw, close).
func InstructionIDDigest(method string, id [32]byte) [32]byte {
	return crypto.InstructionDigest(method, id[:])
}

type initializeParams struct {
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	OrderDetails string `json:"orderDetails"`
	Amount       string `json:"amount"`
	Signature    string `json:"signature"`
}

type instructionParams struct {
	ID        string `json:"id"`
	Vault     string `json:"vault,omitempty"`
	Signature string `json:"signature"`
}

type escrowResult struct {
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

type statusResult struct {
	Status string `json:"status"`
	Caller string `json:"caller"`
}

func escrowResultFrom(esc *escrow.Escrow) escrowResult {
	vault := escrow.DeriveVaultAddress(esc.ID, esc.Bump)
	return escrowResult{
		ID:           "0x" + hex.EncodeToString(esc.ID[:]),
		Buyer:        crypto.FormatAccount(esc.Buyer),
		Seller:       crypto.FormatAccount(esc.Seller),
		OrderDetails: esc.OrderDetails,
		Amount:       strconv.FormatUint(esc.Amount, 10),
		Status:       esc.Status.String(),
		Bump:         esc.Bump,
		CreatedAt:    esc.CreatedAt,
		Vault:        crypto.FormatAccount(vault),
	}
}

func decodeHex32(raw string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(cleaned)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("expected 32-byte hex value")
	}
	copy(out[:], b)
	return out, nil
}

func firstParam(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	return json.Unmarshal(req.Params[0], dst)
}

// recoverCaller validates the envelope signature and returns the signer.
func recoverCaller(digest [32]byte, signature string) ([20]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return [20]byte{}, fmt.Errorf("malformed signature hex")
	}
	return crypto.RecoverSigner(digest, sig)
}

// writeEscrowError maps engine errors onto HTTP statuses and JSON-RPC codes.
// Typed escrow failures carry their numeric code in the error data.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) int {
	var data interface{}
	if code, ok := escrow.CodeOf(err); ok {
		data = map[string]uint32{"escrowCode": uint32(code)}
	}
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status, _ := writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), data)
		return status
	case errors.Is(err, escrow.ErrOnlyBuyerAllowed),
		errors.Is(err, escrow.ErrOnlySellerAllowed),
		errors.Is(err, escrow.ErrUnauthorized):
		status, _ := writeError(w, http.StatusForbidden, id, codeForbidden, err.Error(), data)
		return status
	case errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, escrow.ErrInvalidStatusForConfirmation),
		errors.Is(err, escrow.ErrInvalidStatusForRefund),
		errors.Is(err, escrow.ErrInvalidStatusForFailure),
		errors.Is(err, escrow.ErrInvalidStatusForWithdrawal),
		errors.Is(err, escrow.ErrInvalidStatusForClose),
		errors.Is(err, escrow.ErrAlreadyWithdrawn),
		errors.Is(err, escrow.ErrInsufficientFunds):
		status, _ := writeError(w, http.StatusConflict, id, codeConflict, err.Error(), data)
		return status
	case errors.Is(err, escrow.ErrOrderDetailsTooLong),
		errors.Is(err, escrow.ErrZeroAmount),
		errors.Is(err, escrow.ErrPdaDerivation),
		errors.Is(err, escrow.ErrVaultDerivation):
		status, _ := writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), data)
		return status
	default:
		status, _ := writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), data)
		return status
	}
}

func (s *Server) handleEscrowMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if req.Method == "escrow_initialize" {
		return s.handleEscrowInitialize(w, r, req)
	}

	var params instructionParams
	if err := firstParam(req, &params); err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return status
	}
	id, err := decodeHex32(params.ID)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return status
	}
	caller, err := recoverCaller(InstructionIDDigest(req.Method, id), params.Signature)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return status
	}
	// When the client names a vault it must be the derived one.
	if strings.TrimSpace(params.Vault) != "" {
		claimed, err := crypto.ParseAccount(params.Vault)
		if err != nil {
			status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault address", err.Error())
			return status
		}
		if claimed != escrow.ExpectedVault(id) {
			return writeEscrowError(w, req.ID, escrow.ErrVaultDerivation)
		}
	}

	ctx := r.Context()
	switch req.Method {
	case "escrow_confirmOrder":
		err = s.node.EscrowConfirm(ctx, id, caller)
	case "escrow_refundOrder":
		err = s.node.EscrowRefund(ctx, id, caller)
	case "escrow_failOrder":
		err = s.node.EscrowFail(ctx, id, caller)
	case "escrow_withdrawFunds":
		err = s.node.EscrowWithdraw(ctx, id, caller)
	case "escrow_closeEscrow":
		err = s.node.EscrowClose(ctx, id, caller)
	default:
		status, _ := writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown escrow method", nil)
		return status
	}
	if err != nil {
		return writeEscrowError(w, req.ID, err)
	}
	status, _ := writeResult(w, req.ID, statusResult{Status: "ok", Caller: crypto.FormatAccount(caller)})
	return status
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params initializeParams
	if err := firstParam(req, &params); err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return status
	}
	buyer, err := crypto.ParseAccount(params.Buyer)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid buyer address", err.Error())
		return status
	}
	seller, err := crypto.ParseAccount(params.Seller)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid seller address", err.Error())
		return status
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(params.Amount), 10, 64)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return status
	}
	caller, err := recoverCaller(InitializeDigest(buyer, seller, params.OrderDetails, amount), params.Signature)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return status
	}

	esc, err := s.node.EscrowInitialize(r.Context(), caller, buyer, seller, params.OrderDetails, amount)
	if err != nil {
		return writeEscrowError(w, req.ID, err)
	}
	status, _ := writeResult(w, req.ID, escrowResultFrom(esc))
	return status
}

type getParams struct {
	ID string `json:"id"`
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params getParams
	if err := firstParam(req, &params); err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return status
	}
	id, err := decodeHex32(params.ID)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid escrow id", err.Error())
		return status
	}
	view, err := s.node.EscrowGet(r.Context(), id)
	if err != nil {
		return writeEscrowError(w, req.ID, err)
	}
	result := escrowResultFrom(view.Escrow)
	result.VaultBalance = strconv.FormatUint(view.VaultBalance, 10)
	status, _ := writeResult(w, req.ID, result)
	return status
}

type listEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type listEventsResult struct {
	Events []core.StoredEvent `json:"events"`
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params listEventsParams
	if len(req.Params) > 0 {
		if err := firstParam(req, &params); err != nil {
			status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
			return status
		}
	}
	events := s.node.Events(params.After, params.Limit)
	status, _ := writeResult(w, req.ID, listEventsResult{Events: events})
	return status
}

type balanceParams struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params balanceParams
	if err := firstParam(req, &params); err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return status
	}
	addr, err := crypto.ParseAccount(params.Address)
	if err != nil {
		status, _ := writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return status
	}
	balance, err := s.node.Balance(r.Context(), addr)
	if err != nil {
		status, _ := writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return status
	}
	status, _ := writeResult(w, req.ID, balanceResult{Address: params.Address, Balance: strconv.FormatUint(balance, 10)})
	return status
}
