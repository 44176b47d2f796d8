package escrow

import (
	"errors"
	"fmt"
)

// Code identifies an escrow failure in the numeric range exposed to clients.
// Values and ordering match the original program binding (6000-6017).
type Code uint32

const (
	CodeOrderDetailsTooLong Code = 6000 + iota
	CodeZeroAmount
	CodeOnlyBuyerAllowed
	CodeOnlySellerAllowed
	CodeUnauthorized
	CodeInvalidStatusForConfirmation
	CodeInvalidStatusForRefund
	CodeInvalidStatusForFailure
	CodeInvalidStatusForWithdrawal
	CodeInvalidStatusForClose
	CodeInsufficientFunds
	CodeAlreadyWithdrawn
	CodeTransferFailed
	CodePdaDerivationError
	CodeVaultDerivationError
	CodeEscrowExpired
	CodeEscrowLocked
	CodeInternalError
)

// Error is a typed escrow failure carrying its client-facing numeric code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is reports code equality so wrapped errors match their sentinel via
// errors.Is regardless of pointer identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrOrderDetailsTooLong          = &Error{CodeOrderDetailsTooLong, "order details exceed maximum length of 100 characters"}
	ErrZeroAmount                   = &Error{CodeZeroAmount, "escrow amount must be greater than zero"}
	ErrOnlyBuyerAllowed             = &Error{CodeOnlyBuyerAllowed, "only the buyer can perform this operation"}
	ErrOnlySellerAllowed            = &Error{CodeOnlySellerAllowed, "only the seller can perform this operation"}
	ErrUnauthorized                 = &Error{CodeUnauthorized, "unauthorized access: signer is neither buyer nor seller"}
	ErrInvalidStatusForConfirmation = &Error{CodeInvalidStatusForConfirmation, "cannot confirm escrow that is not in initialized state"}
	ErrInvalidStatusForRefund       = &Error{CodeInvalidStatusForRefund, "cannot refund escrow that is not in initialized state"}
	ErrInvalidStatusForFailure      = &Error{CodeInvalidStatusForFailure, "cannot mark as failed if escrow is not in initialized state"}
	ErrInvalidStatusForWithdrawal   = &Error{CodeInvalidStatusForWithdrawal, "cannot withdraw funds if escrow is not in confirmed state"}
	ErrInvalidStatusForClose        = &Error{CodeInvalidStatusForClose, "cannot close escrow that is not in completed, refunded, or failed state"}
	ErrInsufficientFunds            = &Error{CodeInsufficientFunds, "insufficient funds in escrow account"}
	ErrAlreadyWithdrawn             = &Error{CodeAlreadyWithdrawn, "funds have already been withdrawn"}
	ErrTransferFailed               = &Error{CodeTransferFailed, "fund transfer failed"}
	ErrPdaDerivation                = &Error{CodePdaDerivationError, "failed to verify derived address for escrow account"}
	ErrVaultDerivation              = &Error{CodeVaultDerivationError, "failed to verify derived address for vault account"}
	ErrEscrowExpired                = &Error{CodeEscrowExpired, "escrow has expired and can no longer be confirmed"}
	ErrEscrowLocked                 = &Error{CodeEscrowLocked, "escrow is locked due to an ongoing dispute"}
	ErrInternal                     = &Error{CodeInternalError, "an unexpected error occurred in the escrow program"}
)

// ErrEscrowExists is returned when initialize targets a (buyer, seller,
// orderDetails) triple whose derived account already exists. It is outside the
// numeric taxonomy: callers must treat it as "already created", not retry.
var ErrEscrowExists = errors.New("escrow: account already exists for buyer, seller and order details")

// ErrEscrowNotFound is returned when an instruction names an escrow account
// that does not exist, including a second closeEscrow after deletion.
var ErrEscrowNotFound = errors.New("escrow: escrow not found")

// CodeOf extracts the numeric escrow code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code, true
	}
	return 0, false
}

func wrapTransfer(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}
