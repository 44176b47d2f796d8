package escrow

import (
	"errors"
	"fmt"
	"time"

	"agrichain/core/events"
	"agrichain/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

// State is the persistence backend the engine transitions against. Every
// instruction runs inside one transactional State, so a failed transfer
// aborts with no partial write.
type State interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	EscrowDelete(id [32]byte) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow state machine to external state and an event
// emitter. Guards apply in a fixed order on every instruction: account
// derivation, signer role, current status, then the fund movement together
// with the status update.
type Engine struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{}
	}
	return acc
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if err := VerifyDerivation(esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// transfer moves funds between two ledger accounts within the current state
// transaction. Insufficient balance surfaces as a typed escrow error.
func (e *Engine) transfer(from, to [20]byte, amount uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance < amount {
		return ErrInsufficientFunds
	}
	fromAcc.Balance -= amount
	toAcc.Balance += amount
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// VaultBalance reports the current balance of the escrow's derived vault.
func (e *Engine) VaultBalance(esc *Escrow) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if esc == nil {
		return 0, ErrEscrowNotFound
	}
	acc, err := e.state.GetAccount(DeriveVaultAddress(esc.ID, esc.Bump))
	if err != nil {
		return 0, err
	}
	return ensureAccount(acc).Balance, nil
}

// Initialize creates and funds a new escrow account for the caller's order.
// The caller must be the buyer; the amount moves buyer -> vault before the
// account is persisted in StatusInitialized. A second initialize for the same
// (buyer, seller, orderDetails) triple fails with ErrEscrowExists.
func (e *Engine) Initialize(caller, buyer, seller [20]byte, orderDetails string, amount uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(orderDetails) > MaxOrderDetailsLen {
		return nil, ErrOrderDetailsTooLong
	}
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if caller != buyer {
		return nil, ErrOnlyBuyerAllowed
	}
	id, bump := DeriveEscrowID(buyer, seller, orderDetails)
	if _, ok, err := e.state.EscrowGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrEscrowExists
	}
	vault := DeriveVaultAddress(id, bump)
	if err := e.transfer(buyer, vault, amount); err != nil {
		return nil, wrapTransfer(err)
	}
	esc := &Escrow{
		ID:           id,
		Buyer:        buyer,
		Seller:       seller,
		OrderDetails: orderDetails,
		Amount:       amount,
		Status:       StatusInitialized,
		Bump:         bump,
		CreatedAt:    e.now(),
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(esc))
	return esc.Clone(), nil
}

// ConfirmOrder moves an initialized escrow to StatusConfirmed. Only the
// stored seller may confirm.
func (e *Engine) ConfirmOrder(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := requireSeller(esc, caller); err != nil {
		return err
	}
	if esc.Status != StatusInitialized {
		return ErrInvalidStatusForConfirmation
	}
	esc.Status = StatusConfirmed
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(NewConfirmedEvent(esc))
	return nil
}

// RefundOrder returns the vault balance to the buyer while the escrow is
// still initialized. Only the stored buyer may request a refund.
func (e *Engine) RefundOrder(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := requireBuyer(esc, caller); err != nil {
		return err
	}
	if esc.Status != StatusInitialized {
		return ErrInvalidStatusForRefund
	}
	if esc.Amount == 0 {
		return ErrZeroAmount
	}
	return e.payOutAndStore(esc, esc.Buyer, StatusRefunded, NewRefundedEvent)
}

// FailOrder aborts an initialized escrow and refunds the buyer. Either party
// may declare the failure; anyone else is rejected outright.
func (e *Engine) FailOrder(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return ErrUnauthorized
	}
	if esc.Status != StatusInitialized {
		return ErrInvalidStatusForFailure
	}
	if esc.Amount == 0 {
		return ErrZeroAmount
	}
	return e.payOutAndStore(esc, esc.Buyer, StatusFailed, NewFailedEvent)
}

// WithdrawFunds settles a confirmed escrow in favour of the seller, zeroing
// the held amount and completing the state machine.
func (e *Engine) WithdrawFunds(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := requireSeller(esc, caller); err != nil {
		return err
	}
	if esc.Status != StatusConfirmed {
		return ErrInvalidStatusForWithdrawal
	}
	if esc.Amount == 0 {
		return ErrAlreadyWithdrawn
	}
	return e.payOutAndStore(esc, esc.Seller, StatusCompleted, NewCompletedEvent)
}

// CloseEscrow deletes a settled escrow account. Any residual vault balance
// is returned to the receiver, who must have signed the instruction.
func (e *Engine) CloseEscrow(id [32]byte, receiver [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.Status.Terminal() {
		return ErrInvalidStatusForClose
	}
	vault := DeriveVaultAddress(esc.ID, esc.Bump)
	residual, err := e.VaultBalance(esc)
	if err != nil {
		return err
	}
	if residual > 0 {
		if err := e.transfer(vault, receiver, residual); err != nil {
			return wrapTransfer(err)
		}
	}
	if err := e.state.EscrowDelete(esc.ID); err != nil {
		return err
	}
	e.emit(NewClosedEvent(esc, receiver))
	return nil
}

// payOutAndStore drains the vault to the recipient, zeroes the held amount
// and persists the new status. Transfer and status update commit together or
// not at all; the surrounding state transaction guarantees it.
func (e *Engine) payOutAndStore(esc *Escrow, recipient [20]byte, status Status, eventFn func(*Escrow) *types.Event) error {
	vault := DeriveVaultAddress(esc.ID, esc.Bump)
	balance, err := e.VaultBalance(esc)
	if err != nil {
		return err
	}
	if balance < esc.Amount {
		return fmt.Errorf("%w: vault holds %d of %d", ErrInsufficientFunds, balance, esc.Amount)
	}
	if err := e.transfer(vault, recipient, balance); err != nil {
		return wrapTransfer(err)
	}
	esc.Amount = 0
	esc.Status = status
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}

func requireBuyer(esc *Escrow, caller [20]byte) error {
	if caller == esc.Buyer {
		return nil
	}
	if caller == esc.Seller {
		return ErrOnlyBuyerAllowed
	}
	return ErrUnauthorized
}

func requireSeller(esc *Escrow, caller [20]byte) error {
	if caller == esc.Seller {
		return nil
	}
	if caller == esc.Buyer {
		return ErrOnlySellerAllowed
	}
	return ErrUnauthorized
}
