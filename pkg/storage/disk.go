package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"

	"media-intelligence/pkg/models"
)

// LedgerRecord is what the ledger keeps for a completed run.
type LedgerRecord struct {
	RunID       string          `json:"run_id"`
	SourceRef   string          `json:"source_ref"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Response    models.Response `json:"response"`
	CompletedAt time.Time       `json:"completed_at"`
}

// DiskStore is the run ledger: one record per completed run, keyed by run id.
type DiskStore interface {
	PutRecord(rec *LedgerRecord) error
	GetRecord(runID string) (*LedgerRecord, error)
	DeleteRecord(runID string) error
	Close() error
}

type diskStore struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

const recordPrefix = "run/"

func NewDiskStore(path string) (DiskStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &diskStore{db: db, enc: enc, dec: dec}, nil
}

func (s *diskStore) PutRecord(rec *LedgerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}
	packed := s.enc.EncodeAll(data, nil)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.RunID), packed)
	})
}

func (s *diskStore) GetRecord(runID string) (*LedgerRecord, error) {
	var rec LedgerRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + runID))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			data, err := s.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress ledger record: %w", err)
			}
			return json.Unmarshal(data, &rec)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}

	return &rec, nil
}

func (s *diskStore) DeleteRecord(runID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + runID))
	})
}

func (s *diskStore) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

var ErrRunNotFound = fmt.Errorf("run not found")
