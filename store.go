package ppm

import (
	"errors"
	"sort"
	"sync"

	"github.com/cloudflare/circl/vdaf/prio3/arith/fp64"
	"golang.org/x/crypto/cryptobyte"
)

// BatchAccumulator is the running state of one batch unit on one
// aggregator: the number of verified reports folded in and the sum of their
// output shares.
type BatchAccumulator struct {
	Unit      Interval
	Count     uint64
	Share     *AggregateShare
	Collected bool
}

func (a *BatchAccumulator) Clone() *BatchAccumulator {
	c := *a
	c.Share = a.Share.Clone()
	return &c
}

//	struct {
//		uint64 start;
//		uint64 duration;
//		uint64 count;
//		uint8 collected;
//		opaque share[8];
//	} BatchAccumulator;
func (a *BatchAccumulator) MarshalBinary() ([]byte, error) {
	share, err := a.Share.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint64(uint64(a.Unit.Start))
	b.AddUint64(uint64(a.Unit.Duration))
	b.AddUint64(a.Count)
	if a.Collected {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
	b.AddBytes(share)
	return b.Bytes()
}

func (a *BatchAccumulator) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var start, duration uint64
	var collected uint8
	var share []byte
	if !s.ReadUint64(&start) || !s.ReadUint64(&duration) || !s.ReadUint64(&a.Count) ||
		!s.ReadUint8(&collected) || !s.ReadBytes(&share, fp64.Size) || !s.Empty() || collected > 1 {
		return errors.New("invalid batch accumulator encoding")
	}
	a.Unit = Interval{Start: Time(start), Duration: Duration(duration)}
	a.Collected = collected == 1
	a.Share = &AggregateShare{}
	return a.Share.UnmarshalBinary(share)
}

// AccumulatorStore persists batch accumulators, the collected intervals
// and the nonces of aggregated reports of each task. Implementations need
// not be safe for concurrent writers to the same task; Aggregator
// serializes them.
type AccumulatorStore interface {
	// Get returns nil, nil when no accumulator exists for the unit.
	Get(task TaskID, unit Time) (*BatchAccumulator, error)
	// Put stores acc and records nonce as aggregated in one atomic step.
	Put(task TaskID, nonce Nonce, acc *BatchAccumulator) error
	// Seen reports whether a report with nonce was already aggregated.
	Seen(task TaskID, nonce Nonce) (bool, error)
	// Range visits every stored accumulator whose unit starts inside
	// interval, in ascending order.
	Range(task TaskID, interval Interval, fn func(*BatchAccumulator) error) error
	CollectedIntervals(task TaskID) ([]Interval, error)
	// MarkCollected records interval as spent and writes the given
	// accumulators in one atomic step.
	MarkCollected(task TaskID, interval Interval, accs []*BatchAccumulator) error
	Close() error
}

type memoryTask struct {
	accumulators map[Time]*BatchAccumulator
	collected    []Interval
	seen         map[Nonce]struct{}
}

// MemoryStore keeps accumulators for the lifetime of the process.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[TaskID]*memoryTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[TaskID]*memoryTask)}
}

func (s *MemoryStore) task(id TaskID) *memoryTask {
	t, ok := s.tasks[id]
	if !ok {
		t = &memoryTask{
			accumulators: make(map[Time]*BatchAccumulator),
			seen:         make(map[Nonce]struct{}),
		}
		s.tasks[id] = t
	}
	return t
}

func (s *MemoryStore) Get(task TaskID, unit Time) (*BatchAccumulator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.task(task).accumulators[unit]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) Put(task TaskID, nonce Nonce, acc *BatchAccumulator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task(task)
	t.accumulators[acc.Unit.Start] = acc.Clone()
	t.seen[nonce] = struct{}{}
	return nil
}

func (s *MemoryStore) Seen(task TaskID, nonce Nonce) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.task(task).seen[nonce]
	return ok, nil
}

func (s *MemoryStore) Range(task TaskID, interval Interval, fn func(*BatchAccumulator) error) error {
	s.mu.Lock()
	var accs []*BatchAccumulator
	for start, acc := range s.task(task).accumulators {
		if interval.Contains(start) {
			accs = append(accs, acc.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(accs, func(i, j int) bool {
		return accs[i].Unit.Start < accs[j].Unit.Start
	})
	for _, acc := range accs {
		if err := fn(acc); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) CollectedIntervals(task TaskID) ([]Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interval{}, s.task(task).collected...), nil
}

func (s *MemoryStore) MarkCollected(task TaskID, interval Interval, accs []*BatchAccumulator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task(task)
	t.collected = append(t.collected, interval)
	for _, acc := range accs {
		t.accumulators[acc.Unit.Start] = acc.Clone()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
