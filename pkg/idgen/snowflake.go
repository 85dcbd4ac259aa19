// Package idgen generates time-ordered identifiers for ledger records.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake is a 64-bit id generator: 41 bits of milliseconds, 10 bits of worker, 12 bits of sequence.
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// New creates a generator for one worker.
func New(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id must be between 0 and %d", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init sets up the package generator. Later calls are ignored.
func Init(workerID int64) error {
	var err error
	once.Do(func() {
		defaultGenerator, err = New(workerID)
	})
	return err
}

// NextID returns the next id from the package generator.
func NextID() int64 {
	if defaultGenerator == nil {
		_ = Init(1)
	}
	return defaultGenerator.Generate()
}

// Generate returns a unique id, waiting for the next millisecond when the sequence is exhausted.
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// TransactionReference returns a sortable external reference such as TXN20250101120000000123456789.
func TransactionReference() string {
	return fmt.Sprintf("TXN%s%019d", time.Now().UTC().Format("20060102"), NextID())
}

// SettlementBatchNumber returns a reference for a settlement batch.
func SettlementBatchNumber() string {
	return fmt.Sprintf("STL%s%019d", time.Now().UTC().Format("20060102"), NextID())
}

// AuthorizationCode returns a random six digit approval code.
func AuthorizationCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Sprintf("%06d", NextID()%1_000_000)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// CardBatchNumber returns a reference for a manufactured card batch.
func CardBatchNumber() string {
	return fmt.Sprintf("BAT%s%019d", time.Now().UTC().Format("20060102"), NextID())
}
