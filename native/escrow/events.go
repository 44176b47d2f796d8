package escrow

import (
	"encoding/hex"
	"strconv"

	"agrichain/core/types"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeEscrowConfirmed   = "escrow.confirmed"
	EventTypeEscrowRefunded    = "escrow.refunded"
	EventTypeEscrowFailed      = "escrow.failed"
	EventTypeEscrowCompleted   = "escrow.completed"
	EventTypeEscrowClosed      = "escrow.closed"
)

// NewInitializedEvent returns the canonical payload for a newly created and
// funded escrow.
func NewInitializedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowInitialized, e)
}

// NewConfirmedEvent returns the payload emitted when the seller confirms the
// order.
func NewConfirmedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowConfirmed, e)
}

// NewRefundedEvent returns the payload emitted when held funds return to the
// buyer.
func NewRefundedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowRefunded, e)
}

// NewFailedEvent returns the payload emitted when a party declares the order
// failed.
func NewFailedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowFailed, e)
}

// NewCompletedEvent returns the payload emitted when the seller withdraws.
func NewCompletedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCompleted, e)
}

// NewClosedEvent returns the payload emitted when the account is deleted and
// residual rent returns to the receiver.
func NewClosedEvent(e *Escrow, receiver [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowClosed, e)
	evt.Attributes["receiver"] = hex.EncodeToString(receiver[:])
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = "0x" + hex.EncodeToString(e.ID[:])
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["orderDetails"] = e.OrderDetails
	attrs["amount"] = strconv.FormatUint(e.Amount, 10)
	attrs["status"] = e.Status.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
