package state

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"agrichain/core/types"
	"agrichain/native/escrow"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    address TEXT PRIMARY KEY,
    balance TEXT NOT NULL DEFAULT '0',
    nonce   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS escrows (
    id            TEXT PRIMARY KEY,
    buyer         TEXT NOT NULL,
    seller        TEXT NOT NULL,
    order_details TEXT NOT NULL,
    amount        TEXT NOT NULL,
    status        INTEGER NOT NULL,
    bump          INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    UNIQUE (buyer, seller, order_details)
);
`

// Store owns the sqlite database backing the ledger. Every escrow
// instruction executes inside a single immediate transaction obtained via
// WithState, which is what makes the transfer-plus-status updates atomic.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path and applies the schema.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state: database path must not be empty")
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY churn between concurrent instructions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithState runs fn against a transaction-bound Manager. The transaction
// commits only if fn returns nil; any error rolls back every write fn made.
func (s *Store) WithState(ctx context.Context, fn func(*Manager) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state: store not open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin transaction: %w", err)
	}
	m := &Manager{ctx: ctx, tx: tx}
	if err := fn(m); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit transaction: %w", err)
	}
	return nil
}

// Manager exposes ledger reads and writes bound to one open transaction. It
// implements escrow.State.
type Manager struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ escrow.State = (*Manager)(nil)

func encodeID(id [32]byte) string     { return hex.EncodeToString(id[:]) }
func encodeAddr(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func decodeID(raw string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("state: malformed escrow id %q", raw)
	}
	copy(id[:], b)
	return id, nil
}

func decodeAddr(raw string) ([20]byte, error) {
	var addr [20]byte
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != len(addr) {
		return addr, fmt.Errorf("state: malformed address %q", raw)
	}
	copy(addr[:], b)
	return addr, nil
}

// EscrowPut upserts an escrow row. The row id is derived from the
// (buyer, seller, order_details) triple, so the UNIQUE constraint and the
// primary key agree about which order a row belongs to.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	_, err = m.tx.ExecContext(m.ctx, `
INSERT INTO escrows (id, buyer, seller, order_details, amount, status, bump, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    amount = excluded.amount,
    status = excluded.status
`,
		encodeID(sanitized.ID),
		encodeAddr(sanitized.Buyer),
		encodeAddr(sanitized.Seller),
		sanitized.OrderDetails,
		strconv.FormatUint(sanitized.Amount, 10),
		int64(sanitized.Status),
		int64(sanitized.Bump),
		sanitized.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("state: persist escrow: %w", err)
	}
	return nil
}

func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool, error) {
	row := m.tx.QueryRowContext(m.ctx, `
SELECT id, buyer, seller, order_details, amount, status, bump, created_at
FROM escrows WHERE id = ?`, encodeID(id))

	var (
		rawID, rawBuyer, rawSeller, rawAmount string
		details                               string
		status, bump                          int64
		createdAt                             int64
	)
	err := row.Scan(&rawID, &rawBuyer, &rawSeller, &details, &rawAmount, &status, &bump, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state: load escrow: %w", err)
	}

	esc := &escrow.Escrow{OrderDetails: details, CreatedAt: createdAt}
	if esc.ID, err = decodeID(rawID); err != nil {
		return nil, false, err
	}
	if esc.Buyer, err = decodeAddr(rawBuyer); err != nil {
		return nil, false, err
	}
	if esc.Seller, err = decodeAddr(rawSeller); err != nil {
		return nil, false, err
	}
	if esc.Amount, err = strconv.ParseUint(rawAmount, 10, 64); err != nil {
		return nil, false, fmt.Errorf("state: malformed escrow amount %q: %w", rawAmount, err)
	}
	if status < 0 || status > int64(escrow.StatusFailed) {
		return nil, false, fmt.Errorf("state: malformed escrow status %d", status)
	}
	esc.Status = escrow.Status(status)
	esc.Bump = uint8(bump)
	return esc, true, nil
}

func (m *Manager) EscrowDelete(id [32]byte) error {
	res, err := m.tx.ExecContext(m.ctx, `DELETE FROM escrows WHERE id = ?`, encodeID(id))
	if err != nil {
		return fmt.Errorf("state: delete escrow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: delete escrow: %w", err)
	}
	if affected == 0 {
		return escrow.ErrEscrowNotFound
	}
	return nil
}

// GetAccount loads a ledger account. Unknown addresses return a zeroed
// account rather than an error; the ledger treats every address as existing
// with balance zero.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	row := m.tx.QueryRowContext(m.ctx, `SELECT balance, nonce FROM accounts WHERE address = ?`, encodeAddr(addr))
	var (
		rawBalance string
		nonce      uint64
	)
	err := row.Scan(&rawBalance, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.Account{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load account: %w", err)
	}
	balance, err := strconv.ParseUint(rawBalance, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("state: malformed balance %q: %w", rawBalance, err)
	}
	return &types.Account{Balance: balance, Nonce: nonce}, nil
}

func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		account = &types.Account{}
	}
	_, err := m.tx.ExecContext(m.ctx, `
INSERT INTO accounts (address, balance, nonce) VALUES (?, ?, ?)
ON CONFLICT(address) DO UPDATE SET balance = excluded.balance, nonce = excluded.nonce`,
		encodeAddr(addr), strconv.FormatUint(account.Balance, 10), account.Nonce)
	if err != nil {
		return fmt.Errorf("state: persist account: %w", err)
	}
	return nil
}

// Credit adds amount to an account balance outside the engine, used for
// genesis allocations.
func (m *Manager) Credit(addr [20]byte, amount uint64) error {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance += amount
	return m.PutAccount(addr, acc)
}
