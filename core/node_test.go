package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"agrichain/core/state"
	"agrichain/native/escrow"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewNode(store, logger, WithNowFunc(func() int64 { return 1_700_000_000 }))
}

func fundNode(t *testing.T, node *Node, addr [20]byte, amount uint64) {
	t.Helper()
	if err := node.ApplyGenesis(context.Background(), map[[20]byte]uint64{addr: amount}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
}

func TestNodeEscrowLifecycle(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	buyer := testAddress(0x11)
	seller := testAddress(0x22)
	fundNode(t, node, buyer, 2_000)

	esc, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "5 sacks of maize", 1_500)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if esc.Status != escrow.StatusInitialized {
		t.Fatalf("unexpected status %v", esc.Status)
	}

	if balance, err := node.Balance(ctx, buyer); err != nil || balance != 500 {
		t.Fatalf("buyer balance = %d, %v", balance, err)
	}

	if err := node.EscrowConfirm(ctx, esc.ID, seller); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := node.EscrowWithdraw(ctx, esc.ID, seller); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if balance, err := node.Balance(ctx, seller); err != nil || balance != 1_500 {
		t.Fatalf("seller balance = %d, %v", balance, err)
	}

	view, err := node.EscrowGet(ctx, esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Escrow.Status != escrow.StatusCompleted || view.Escrow.Amount != 0 || view.VaultBalance != 0 {
		t.Fatalf("unexpected settled view %+v", view)
	}

	if err := node.EscrowClose(ctx, esc.ID, seller); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := node.EscrowGet(ctx, esc.ID); !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Fatalf("expected not found after close, got %v", err)
	}
}

func TestNodeRejectionLeavesNoTrace(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	buyer := testAddress(0x11)
	seller := testAddress(0x22)
	fundNode(t, node, buyer, 100)

	_, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "too expensive", 200)
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if balance, _ := node.Balance(ctx, buyer); balance != 100 {
		t.Fatalf("buyer balance changed to %d", balance)
	}
	id, _ := escrow.DeriveEscrowID(buyer, seller, "too expensive")
	if _, err := node.EscrowGet(ctx, id); !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Fatalf("expected no escrow row, got %v", err)
	}
	if got := node.Events(0, 10); len(got) != 0 {
		t.Fatalf("rejected instruction published events: %+v", got)
	}
}

func TestNodeDuplicateInitialize(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	buyer := testAddress(0x11)
	seller := testAddress(0x22)
	fundNode(t, node, buyer, 1_000)

	if _, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "order-1", 100); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "order-1", 100); !errors.Is(err, escrow.ErrEscrowExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	// A different detail string derives a fresh address.
	if _, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "order-2", 100); err != nil {
		t.Fatalf("second order: %v", err)
	}
}

func TestNodeEventJournal(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	buyer := testAddress(0x11)
	seller := testAddress(0x22)
	fundNode(t, node, buyer, 1_000)

	esc, err := node.EscrowInitialize(ctx, buyer, buyer, seller, "a basket of plums", 400)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := node.EscrowRefund(ctx, esc.ID, buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}

	all := node.Events(0, 10)
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].Type != escrow.EventTypeEscrowInitialized || all[1].Type != escrow.EventTypeEscrowRefunded {
		t.Fatalf("unexpected event types %q, %q", all[0].Type, all[1].Type)
	}
	if all[0].Sequence != 1 || all[1].Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", all[0].Sequence, all[1].Sequence)
	}

	tail := node.Events(all[0].Sequence, 10)
	if len(tail) != 1 || tail[0].Sequence != 2 {
		t.Fatalf("cursor read returned %+v", tail)
	}
}

func TestNodeEventJournalBounded(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := NewNode(store, logger, WithEventHistory(3), WithNowFunc(func() int64 { return 1_700_000_000 }))

	ctx := context.Background()
	buyer := testAddress(0x11)
	seller := testAddress(0x22)
	fundNode(t, node, buyer, 10_000)

	for i := 0; i < 3; i++ {
		esc, err := node.EscrowInitialize(ctx, buyer, buyer, seller, string(rune('a'+i)), 100)
		if err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
		if err := node.EscrowRefund(ctx, esc.ID, buyer); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}

	got := node.Events(0, 10)
	if len(got) != 3 {
		t.Fatalf("expected trimmed journal of 3, got %d", len(got))
	}
	if got[0].Sequence != 4 {
		t.Fatalf("oldest retained sequence = %d, want 4", got[0].Sequence)
	}
}
