package ppm

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	accumulatorPrefix byte = 'a'
	collectedPrefix   byte = 'c'
	noncePrefix       byte = 'n'
)

// PebbleStore persists accumulators in a Pebble database. Accumulators are
// keyed by prefix || task id || unit start, collected intervals by
// prefix || task id || interval start, so a task's units sort by time.
// Aggregated report nonces are kept under prefix || task id || nonce.
// Single writes are NoSync and a background goroutine syncs the WAL
// periodically; MarkCollected is synced immediately.
type PebbleStore struct {
	db       *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &PebbleStore{
		db:       db,
		stopSync: make(chan struct{}),
	}
	s.startSyncLoop()
	return s, nil
}

func taskPrefix(prefix byte, task TaskID) []byte {
	return append([]byte{prefix}, task[:]...)
}

func storeKey(prefix byte, task TaskID, t Time) []byte {
	return append(taskPrefix(prefix, task), encodeTime(t)...)
}

func nonceKey(task TaskID, nonce Nonce) []byte {
	return append(taskPrefix(noncePrefix, task), nonce[:]...)
}

func (s *PebbleStore) Get(task TaskID, unit Time) (*BatchAccumulator, error) {
	value, closer, err := s.db.Get(storeKey(accumulatorPrefix, task, unit))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	acc := &BatchAccumulator{}
	if err := acc.UnmarshalBinary(value); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *PebbleStore) Put(task TaskID, nonce Nonce, acc *BatchAccumulator) error {
	value, err := acc.MarshalBinary()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(storeKey(accumulatorPrefix, task, acc.Unit.Start), value, nil); err != nil {
		return err
	}
	if err := batch.Set(nonceKey(task, nonce), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.NoSync)
}

func (s *PebbleStore) Seen(task TaskID, nonce Nonce) (bool, error) {
	_, closer, err := s.db.Get(nonceKey(task, nonce))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) Range(task TaskID, interval Interval, fn func(*BatchAccumulator) error) error {
	upper := storeKey(accumulatorPrefix, task, interval.End())
	if interval.End() < interval.Start {
		upper = prefixUpperBound(taskPrefix(accumulatorPrefix, task))
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: storeKey(accumulatorPrefix, task, interval.Start),
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		acc := &BatchAccumulator{}
		if err := acc.UnmarshalBinary(value); err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) CollectedIntervals(task TaskID) ([]Interval, error) {
	prefix := taskPrefix(collectedPrefix, task)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var intervals []Interval
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		if len(key) != len(prefix)+8 || len(value) != 8 {
			return nil, errors.New("invalid collected interval record")
		}
		intervals = append(intervals, Interval{
			Start:    Time(binary.BigEndian.Uint64(key[len(prefix):])),
			Duration: Duration(binary.BigEndian.Uint64(value)),
		})
	}
	return intervals, iter.Error()
}

func (s *PebbleStore) MarkCollected(task TaskID, interval Interval, accs []*BatchAccumulator) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	duration := encodeTime(Time(interval.Duration))
	if err := batch.Set(storeKey(collectedPrefix, task, interval.Start), duration, nil); err != nil {
		return err
	}
	for _, acc := range accs {
		value, err := acc.MarshalBinary()
		if err != nil {
			return err
		}
		if err := batch.Set(storeKey(accumulatorPrefix, task, acc.Unit.Start), value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}

// Close stops the sync goroutine and closes the database after a final
// sync.
func (s *PebbleStore) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *PebbleStore) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.db.LogData(nil, pebble.Sync)
			case <-s.stopSync:
				return
			}
		}
	}()
}
