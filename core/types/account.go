package types

// Account is a balance-holding ledger entry. Escrow vaults are ordinary
// accounts at derived addresses; nothing mutates them outside a guarded
// escrow transition.
type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}
