package core

import (
	"context"
	"log/slog"
	"sync"

	"agrichain/core/events"
	"agrichain/core/state"
	"agrichain/core/types"
	"agrichain/native/escrow"
)

// DefaultEventHistory bounds the in-memory event journal served over RPC.
const DefaultEventHistory = 4096

// StoredEvent is a lifecycle event captured after its transaction committed,
// tagged with a monotonically increasing sequence for cursor-based polling.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EscrowView is the read model returned by escrow queries. VaultBalance may
// differ from Amount only through out-of-band credits to the vault address.
type EscrowView struct {
	Escrow       *escrow.Escrow
	Vault        [20]byte
	VaultBalance uint64
}

// eventCollector stages events emitted during one instruction. They reach the
// journal only if the surrounding transaction commits.
type eventCollector struct {
	staged []*types.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	if event := carrier.Event(); event != nil {
		c.staged = append(c.staged, event)
	}
}

// Node applies escrow instructions against the sqlite-backed ledger. Each
// instruction runs in its own immediate transaction with a fresh engine, so
// concurrent callers serialise at the database.
type Node struct {
	store  *state.Store
	logger *slog.Logger
	nowFn  func() int64

	mu      sync.Mutex
	journal []StoredEvent
	seq     uint64
	history int
}

// NodeOption customises node construction.
type NodeOption func(*Node)

// WithEventHistory overrides the journal capacity.
func WithEventHistory(n int) NodeOption {
	return func(node *Node) {
		if n > 0 {
			node.history = n
		}
	}
}

// WithNowFunc overrides the engine time source, primarily for tests.
func WithNowFunc(now func() int64) NodeOption {
	return func(node *Node) { node.nowFn = now }
}

func NewNode(store *state.Store, logger *slog.Logger, opts ...NodeOption) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	node := &Node{
		store:   store,
		logger:  logger.With("component", "node"),
		history: DefaultEventHistory,
	}
	for _, opt := range opts {
		opt(node)
	}
	return node
}

// ApplyGenesis credits the configured opening balances. It is idempotent per
// process start only if the caller guards it; reapplying credits again.
func (n *Node) ApplyGenesis(ctx context.Context, allocations map[[20]byte]uint64) error {
	if len(allocations) == 0 {
		return nil
	}
	return n.store.WithState(ctx, func(m *state.Manager) error {
		for addr, amount := range allocations {
			if err := m.Credit(addr, amount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *Node) newEngine(m *state.Manager, collector *eventCollector) *escrow.Engine {
	eng := escrow.NewEngine()
	eng.SetState(m)
	eng.SetEmitter(collector)
	if n.nowFn != nil {
		eng.SetNowFunc(n.nowFn)
	}
	return eng
}

// runInstruction executes fn inside one state transaction and publishes the
// staged events only after commit.
func (n *Node) runInstruction(ctx context.Context, name string, fn func(*escrow.Engine) error) error {
	collector := &eventCollector{}
	err := n.store.WithState(ctx, func(m *state.Manager) error {
		return fn(n.newEngine(m, collector))
	})
	if err != nil {
		n.logger.Warn("instruction rejected", "instruction", name, "error", err)
		return err
	}
	n.publish(collector.staged)
	n.logger.Info("instruction applied", "instruction", name, "events", len(collector.staged))
	return nil
}

func (n *Node) publish(staged []*types.Event) {
	if len(staged) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, evt := range staged {
		n.seq++
		attrs := make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			attrs[k] = v
		}
		n.journal = append(n.journal, StoredEvent{Sequence: n.seq, Type: evt.Type, Attributes: attrs})
	}
	if overflow := len(n.journal) - n.history; overflow > 0 {
		n.journal = append([]StoredEvent(nil), n.journal[overflow:]...)
	}
}

// Events returns up to limit events with a sequence greater than afterSeq.
func (n *Node) Events(afterSeq uint64, limit int) []StoredEvent {
	if limit <= 0 {
		limit = 100
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StoredEvent, 0, limit)
	for _, evt := range n.journal {
		if evt.Sequence <= afterSeq {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (n *Node) EscrowInitialize(ctx context.Context, caller, buyer, seller [20]byte, orderDetails string, amount uint64) (*escrow.Escrow, error) {
	var created *escrow.Escrow
	err := n.runInstruction(ctx, "escrow_initialize", func(eng *escrow.Engine) error {
		esc, err := eng.Initialize(caller, buyer, seller, orderDetails, amount)
		if err != nil {
			return err
		}
		created = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (n *Node) EscrowConfirm(ctx context.Context, id [32]byte, caller [20]byte) error {
	return n.runInstruction(ctx, "escrow_confirmOrder", func(eng *escrow.Engine) error {
		return eng.ConfirmOrder(id, caller)
	})
}

func (n *Node) EscrowRefund(ctx context.Context, id [32]byte, caller [20]byte) error {
	return n.runInstruction(ctx, "escrow_refundOrder", func(eng *escrow.Engine) error {
		return eng.RefundOrder(id, caller)
	})
}

func (n *Node) EscrowFail(ctx context.Context, id [32]byte, caller [20]byte) error {
	return n.runInstruction(ctx, "escrow_failOrder", func(eng *escrow.Engine) error {
		return eng.FailOrder(id, caller)
	})
}

func (n *Node) EscrowWithdraw(ctx context.Context, id [32]byte, caller [20]byte) error {
	return n.runInstruction(ctx, "escrow_withdrawFunds", func(eng *escrow.Engine) error {
		return eng.WithdrawFunds(id, caller)
	})
}

func (n *Node) EscrowClose(ctx context.Context, id [32]byte, receiver [20]byte) error {
	return n.runInstruction(ctx, "escrow_closeEscrow", func(eng *escrow.Engine) error {
		return eng.CloseEscrow(id, receiver)
	})
}

// EscrowGet loads an escrow together with its vault state. Missing escrows
// surface as escrow.ErrEscrowNotFound.
func (n *Node) EscrowGet(ctx context.Context, id [32]byte) (*EscrowView, error) {
	var view *EscrowView
	err := n.store.WithState(ctx, func(m *state.Manager) error {
		esc, ok, err := m.EscrowGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return escrow.ErrEscrowNotFound
		}
		if err := escrow.VerifyDerivation(esc); err != nil {
			return err
		}
		vault := escrow.DeriveVaultAddress(esc.ID, esc.Bump)
		acc, err := m.GetAccount(vault)
		if err != nil {
			return err
		}
		view = &EscrowView{Escrow: esc, Vault: vault, VaultBalance: acc.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Balance reports the ledger balance of an account.
func (n *Node) Balance(ctx context.Context, addr [20]byte) (uint64, error) {
	var balance uint64
	err := n.store.WithState(ctx, func(m *state.Manager) error {
		acc, err := m.GetAccount(addr)
		if err != nil {
			return err
		}
		balance = acc.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}
