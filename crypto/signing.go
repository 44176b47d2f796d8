package crypto

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// instructionDomain separates escrow instruction signatures from any other
// secp256k1 usage on the same keys.
const instructionDomain = "agrichain/escrow/v1"

// InstructionDigest computes the keccak256 digest a caller signs to authorize
// an escrow instruction. Each field is length-prefixed so that adjacent fields
// cannot be reinterpreted across boundaries.
func InstructionDigest(method string, fields ...[]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = appendField(buf, []byte(instructionDomain))
	buf = appendField(buf, []byte(method))
	for _, field := range fields {
		buf = appendField(buf, field)
	}
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(buf))
	return digest
}

func appendField(buf, field []byte) []byte {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	buf = append(buf, length[:]...)
	return append(buf, field...)
}

// SignDigest produces a 65-byte [R || S || V] recoverable signature.
func SignDigest(key *PrivateKey, digest [32]byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("nil private key")
	}
	sig, err := crypto.Sign(digest[:], key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// RecoverSigner recovers the account address from a recoverable signature.
func RecoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	if len(sig) != 65 {
		return [20]byte{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("recover signer: %w", err)
	}
	var addr [20]byte
	copy(addr[:], crypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}
