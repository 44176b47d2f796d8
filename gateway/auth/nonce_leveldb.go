package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const noncePrefix = "nonce:"

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence
// implementation. Keys are the (apiKey, timestamp, nonce) composite; values
// hold the observation time. The nonce window is short, so scans over the
// prefix stay small.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce usage if it has not been observed previously.
// It reports true when the nonce already existed.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	key, err := nonceKey(record)
	if err != nil {
		return false, err
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	_, err = p.db.Get(key, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("load nonce: %w", err)
	}
	if err := p.db.Put(key, encodeUnixNano(observed.UnixNano()), nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after the provided cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		record, nanos, ok := decodeNonceEntry(iter.Key(), iter.Value())
		if !ok || nanos < cutoffNanos {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before the provided cutoff time.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, nanos, ok := decodeNonceEntry(iter.Key(), iter.Value())
		if !ok || nanos >= cutoffNanos {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func nonceKey(record NonceRecord) ([]byte, error) {
	apiKey := strings.TrimSpace(record.APIKey)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return nil, fmt.Errorf("nonce record incomplete")
	}
	return []byte(noncePrefix + strings.Join([]string{apiKey, ts, nonce}, "|")), nil
}

func decodeNonceEntry(key, value []byte) (NonceRecord, int64, bool) {
	composite := strings.TrimPrefix(string(key), noncePrefix)
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 || len(value) != 8 {
		return NonceRecord{}, 0, false
	}
	nanos := int64(binary.BigEndian.Uint64(value))
	return NonceRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(0, nanos).UTC(),
	}, nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
