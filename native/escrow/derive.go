package escrow

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowSeed = []byte("escrow")
	vaultSeed  = []byte("vault")
)

// DeriveEscrowID computes the deterministic escrow account identifier for a
// (buyer, seller, orderDetails) triple. The final byte of the identifier is
// the bump nonce stored on the account and re-verified on every instruction.
// Uniqueness of the triple is therefore uniqueness of the identifier.
func DeriveEscrowID(buyer, seller [20]byte, orderDetails string) ([32]byte, uint8) {
	id := ethcrypto.Keccak256Hash(escrowSeed, buyer[:], seller[:], []byte(orderDetails))
	return id, id[31]
}

// DeriveVaultAddress computes the balance-holding companion address for an
// escrow account. The vault has no state machine of its own; it exists only
// as the derived destination for held funds.
func DeriveVaultAddress(id [32]byte, bump uint8) [20]byte {
	sum := ethcrypto.Keccak256(vaultSeed, id[:], []byte{bump})
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr
}

// VerifyDerivation checks that the escrow's stored identifier and bump match
// the derivation from its immutable fields. A mismatch means the caller
// constructed the wrong account reference.
func VerifyDerivation(e *Escrow) error {
	if e == nil {
		return ErrPdaDerivation
	}
	id, bump := DeriveEscrowID(e.Buyer, e.Seller, e.OrderDetails)
	if id != e.ID || bump != e.Bump {
		return ErrPdaDerivation
	}
	return nil
}

// ExpectedVault derives the vault address from the escrow identifier alone.
// The bump is the identifier's final byte, so clients holding only the id can
// still construct and verify the vault reference.
func ExpectedVault(id [32]byte) [20]byte {
	return DeriveVaultAddress(id, id[31])
}

// VerifyVault checks a supplied vault address against the escrow's derivation.
func VerifyVault(e *Escrow, vault [20]byte) error {
	if e == nil {
		return ErrVaultDerivation
	}
	if DeriveVaultAddress(e.ID, e.Bump) != vault {
		return ErrVaultDerivation
	}
	return nil
}
