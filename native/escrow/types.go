package escrow

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of an escrow account. The numeric
// order mirrors the on-chain binding and must not be rearranged.
type Status uint8

const (
	StatusInitialized Status = iota
	StatusConfirmed
	StatusCompleted
	StatusRefunded
	StatusFailed
)

// MaxOrderDetailsLen bounds the free-text order description. The order details
// participate in address derivation, so the bound also caps seed length.
const MaxOrderDetailsLen = 100

// Escrow captures the persisted state of a single order's escrow account.
// Buyer, seller and order details are set at creation and never mutated; the
// identifier and bump are recomputed from them for verification on every
// instruction.
type Escrow struct {
	ID           [32]byte
	Buyer        [20]byte
	Seller       [20]byte
	OrderDetails string
	Amount       uint64
	Status       Status
	Bump         uint8
	CreatedAt    int64
}

// Clone returns a copy of the escrow so callers can mutate it without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Terminal reports whether the status permits no further transition except
// account closure.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusConfirmed:
		return "confirmed"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus resolves the canonical lowercase status name.
func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "initialized":
		return StatusInitialized, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "completed":
		return StatusCompleted, nil
	case "refunded":
		return StatusRefunded, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown escrow status: %s", value)
	}
}

// SanitizeEscrow validates the supplied escrow definition and returns a clone
// with verified derivation fields. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if len(clone.OrderDetails) > MaxOrderDetailsLen {
		return nil, ErrOrderDetailsTooLong
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if err := VerifyDerivation(clone); err != nil {
		return nil, err
	}
	return clone, nil
}
