package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"agrichain/crypto"
	"agrichain/rpc"
)

var escrowRPCCall = callJSONRPC

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "initialize":
		return runEscrowInitialize(args[1:], stdout, stderr)
	case "confirm":
		return runEscrowInstruction("escrow_confirmOrder", args[1:], stdout, stderr)
	case "refund":
		return runEscrowInstruction("escrow_refundOrder", args[1:], stdout, stderr)
	case "fail":
		return runEscrowInstruction("escrow_failOrder", args[1:], stdout, stderr)
	case "withdraw":
		return runEscrowInstruction("escrow_withdrawFunds", args[1:], stdout, stderr)
	case "close":
		return runEscrowInstruction("escrow_closeEscrow", args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowInitialize(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow initialize", stderr)
	var (
		buyer     string
		seller    string
		details   string
		amountStr string
		keyPath   string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&details, "details", "", "order details (max 100 characters)")
	fs.StringVar(&amountStr, "amount", "", "escrow amount in base units")
	fs.StringVar(&keyPath, "key", "", "keystore file used to sign the instruction")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if buyer == "" {
		return printEscrowError(stderr, "--buyer is required")
	}
	if seller == "" {
		return printEscrowError(stderr, "--seller is required")
	}
	buyerBytes, err := crypto.ParseAccount(buyer)
	if err != nil {
		return printEscrowError(stderr, fmt.Sprintf("invalid --buyer: %v", err))
	}
	sellerBytes, err := crypto.ParseAccount(seller)
	if err != nil {
		return printEscrowError(stderr, fmt.Sprintf("invalid --seller: %v", err))
	}
	if details == "" {
		return printEscrowError(stderr, "--details is required")
	}
	if amountStr == "" {
		return printEscrowError(stderr, "--amount is required")
	}
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil || amount == 0 {
		return printEscrowError(stderr, "--amount must be a positive integer")
	}
	if keyPath == "" {
		return printEscrowError(stderr, "--key is required")
	}

	digest := rpc.InitializeDigest(buyerBytes, sellerBytes, details, amount)
	signature, errMsg := signWithKeystore(keyPath, digest)
	if errMsg != "" {
		return printEscrowError(stderr, errMsg)
	}

	params := map[string]interface{}{
		"buyer":        buyer,
		"seller":       seller,
		"orderDetails": details,
		"amount":       amountStr,
		"signature":    signature,
	}
	result, rpcErr, err := escrowRPCCall("escrow_initialize", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowInstruction(method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(method, stderr)
	var (
		id      string
		vault   string
		keyPath string
	)
	fs.StringVar(&id, "id", "", "escrow identifier (0x-prefixed 32-byte hex)")
	fs.StringVar(&vault, "vault", "", "optional vault bech32 address to cross-check")
	fs.StringVar(&keyPath, "key", "", "keystore file used to sign the instruction")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idBytes, err := parseEscrowID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if keyPath == "" {
		return printEscrowError(stderr, "--key is required")
	}

	digest := rpc.InstructionIDDigest(method, idBytes)
	signature, errMsg := signWithKeystore(keyPath, digest)
	if errMsg != "" {
		return printEscrowError(stderr, errMsg)
	}

	params := map[string]interface{}{
		"id":        id,
		"signature": signature,
	}
	if trimmed := strings.TrimSpace(vault); trimmed != "" {
		params["vault"] = trimmed
	}
	result, rpcErr, err := escrowRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier (0x-prefixed 32-byte hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := parseEscrowID(id); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	result, rpcErr, err := escrowRPCCall("escrow_get", map[string]interface{}{"id": id}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow events", stderr)
	var (
		afterStr string
		limitStr string
	)
	fs.StringVar(&afterStr, "after", "", "return events after this sequence number")
	fs.StringVar(&limitStr, "limit", "", "maximum number of events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params := map[string]interface{}{}
	if afterStr != "" {
		after, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			return printEscrowError(stderr, "--after must be a non-negative integer")
		}
		params["after"] = after
	}
	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return printEscrowError(stderr, "--limit must be a positive integer")
		}
		params["limit"] = limit
	}
	result, rpcErr, err := escrowRPCCall("escrow_listEvents", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// signWithKeystore loads the key and signs the digest, returning a hex envelope
// signature or an error message suitable for the terminal.
func signWithKeystore(path string, digest [32]byte) (string, string) {
	pass, err := keystorePass.Get()
	if err != nil {
		return "", err.Error()
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return "", fmt.Sprintf("failed to load keystore %s: %v", path, err)
	}
	sig, err := crypto.SignDigest(key, digest)
	if err != nil {
		return "", fmt.Sprintf("failed to sign instruction: %v", err)
	}
	return "0x" + hex.EncodeToString(sig), ""
}

func parseEscrowID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("--id is required")
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return out, fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	decoded, err := hex.DecodeString(trimmed[2:])
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	copy(out[:], decoded)
	return out, nil
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  agrichain-cli escrow <command> [flags]

Commands:
  initialize  Create and fund a new escrow account
  confirm     Confirm an order as the seller
  refund      Refund the buyer before confirmation
  fail        Mark an order as failed before confirmation
  withdraw    Withdraw funds to the seller after confirmation
  close       Close a terminal escrow account
  get         Fetch escrow details by id
  events      List escrow lifecycle events
`)
}
