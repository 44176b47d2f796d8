package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"agrichain/cmd/internal/passphrase"
	"agrichain/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("AGRI_RPC_TOKEN")
var keystorePass = passphrase.NewSource("AGRI_KEYSTORE_PASSWORD", "Enter keystore passphrase: ")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: please provide a keystore path.")
			os.Exit(1)
		}
		generateKey(args[1])
	case "balance":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: please provide an address.")
			os.Exit(1)
		}
		getBalance(args[1])
	case "escrow":
		code := runEscrowCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(strings.TrimSpace(`Usage:
  agrichain-cli [--rpc <url>] <command> [args]

Commands:
  generate-key <path>   Generate a new key and save it to an encrypted keystore
  balance <address>     Query the balance of a bech32 address
  escrow <subcommand>   Manage escrow accounts (see "agrichain-cli escrow")
`))
}

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("AGRI_RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:8080"
}

// applyGlobalFlags strips leading global flags and returns the remainder.
func applyGlobalFlags(args []string) ([]string, error) {
	out := args
	for len(out) > 0 {
		switch {
		case out[0] == "--rpc":
			if len(out) < 2 {
				return nil, fmt.Errorf("--rpc requires a value")
			}
			rpcEndpoint = out[1]
			out = out[2:]
		case strings.HasPrefix(out[0], "--rpc="):
			rpcEndpoint = strings.TrimPrefix(out[0], "--rpc=")
			out = out[1:]
		default:
			return out, nil
		}
	}
	return out, nil
}

func generateKey(path string) {
	pass, err := keystorePass.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(key, path, pass); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("New key saved to %s\n", path)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

func getBalance(address string) {
	if _, err := crypto.ParseAccount(address); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid address: %v\n", err)
		os.Exit(1)
	}
	result, rpcErr, err := callJSONRPC("agri_getBalance", map[string]interface{}{"address": address}, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}
	writeRPCResult(os.Stdout, result)
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func callJSONRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if rpcAuthToken == "" {
			return nil, nil, fmt.Errorf("AGRI_RPC_TOKEN is not set; escrow mutations require authentication")
		}
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
