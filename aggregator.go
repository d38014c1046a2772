package ppm

import (
	"errors"
	"fmt"
	"sync"
)

// Aggregator holds the batch state of one task on one aggregator. Each
// batch unit moves from empty to accumulating on its first verified report
// and to collected on a successful collect, after which it never changes.
//
// Every read and write of the task's accumulators happens under mu, so
// folding a report and checking or spending the privacy budget are
// mutually exclusive.
type Aggregator struct {
	params *Parameters
	taskID TaskID
	vdaf   *Prio3Sum
	store  AccumulatorStore

	mu        sync.Mutex
	collected []Interval
	reserved  map[*Reservation]struct{}
}

func NewAggregator(params *Parameters, vdaf *Prio3Sum, store AccumulatorStore) (*Aggregator, error) {
	taskID := params.TaskID()
	collected, err := store.CollectedIntervals(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading collected intervals: %w", err)
	}
	return &Aggregator{
		params:    params,
		taskID:    taskID,
		vdaf:      vdaf,
		store:     store,
		collected: collected,
		reserved:  make(map[*Reservation]struct{}),
	}, nil
}

func (a *Aggregator) TaskID() TaskID {
	return a.taskID
}

func (a *Aggregator) Parameters() *Parameters {
	return a.params
}

func (a *Aggregator) VDAF() *Prio3Sum {
	return a.vdaf
}

// spent reports whether t lies in an interval that is collected or being
// collected. Caller holds a.mu.
func (a *Aggregator) spent(t Time) bool {
	for _, i := range a.collected {
		if i.Contains(t) {
			return true
		}
	}
	for r := range a.reserved {
		if r.Interval.Contains(t) {
			return true
		}
	}
	return false
}

// overlapsSpent is spent for a whole interval. Caller holds a.mu.
func (a *Aggregator) overlapsSpent(interval Interval) bool {
	for _, i := range a.collected {
		if i.Overlaps(interval) {
			return true
		}
	}
	for r := range a.reserved {
		if r.Interval.Overlaps(interval) {
			return true
		}
	}
	return false
}

// admissible fails with ErrDuplicateReport if nonce was already
// aggregated and with ErrStaleReport if a report at time t could no longer
// be folded in. Caller holds a.mu.
func (a *Aggregator) admissible(t Time, nonce Nonce) error {
	seen, err := a.store.Seen(a.taskID, nonce)
	if err != nil {
		return err
	}
	if seen {
		return ErrDuplicateReport
	}
	if a.spent(t) {
		return ErrStaleReport
	}
	return nil
}

// CheckFresh reports whether a report could be folded in right now. It is
// advisory: Fold checks again.
func (a *Aggregator) CheckFresh(t Time, nonce Nonce) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admissible(t, nonce)
}

// Fold adds a verified output share to the accumulator of t's batch unit
// and records the nonce. It rechecks staleness, since a collect may have
// started while the report was being verified, and drops a report whose
// nonce was already folded in.
func (a *Aggregator) Fold(t Time, nonce Nonce, out *OutputShare) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.admissible(t, nonce); err != nil {
		return err
	}

	unit := a.params.BatchUnit(t)
	acc, err := a.store.Get(a.taskID, unit.Start)
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &BatchAccumulator{
			Unit:  unit,
			Share: a.vdaf.AggregateInit(),
		}
	}
	acc.Share.Add(out)
	acc.Count++
	return a.store.Put(a.taskID, nonce, acc)
}

// Reservation is a snapshot of an interval taken by Reserve. While it is
// held no report can be folded into the interval and no other collect can
// reserve an overlapping one.
type Reservation struct {
	Interval Interval
	Count    uint64
	Share    *AggregateShare
}

// Reserve validates interval, spends its privacy budget provisionally and
// snapshots its aggregate. The caller must either Commit or Release the
// reservation.
func (a *Aggregator) Reserve(interval Interval) (*Reservation, error) {
	if err := a.params.ValidateInterval(interval); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsSpent(interval) {
		return nil, ErrPrivacyBudgetExceeded
	}

	r := &Reservation{
		Interval: interval,
		Share:    a.vdaf.AggregateInit(),
	}
	err := a.store.Range(a.taskID, interval, func(acc *BatchAccumulator) error {
		r.Count += acc.Count
		r.Share.Merge(acc.Share)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.reserved[r] = struct{}{}
	return r, nil
}

// Commit marks a reserved interval collected. It is permanent.
func (a *Aggregator) Commit(r *Reservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[r]; !ok {
		return errors.New("reservation is not held")
	}

	var accs []*BatchAccumulator
	err := a.store.Range(a.taskID, r.Interval, func(acc *BatchAccumulator) error {
		acc.Collected = true
		accs = append(accs, acc)
		return nil
	})
	if err != nil {
		return err
	}
	if err := a.store.MarkCollected(a.taskID, r.Interval, accs); err != nil {
		return err
	}

	delete(a.reserved, r)
	a.collected = append(a.collected, r.Interval)
	return nil
}

// Release gives back a reservation without spending the budget. Releasing
// a committed or already released reservation does nothing.
func (a *Aggregator) Release(r *Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, r)
}

// Snapshot returns the number of verified reports and their aggregate over
// interval without touching the budget.
func (a *Aggregator) Snapshot(interval Interval) (uint64, *AggregateShare, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var count uint64
	share := a.vdaf.AggregateInit()
	err := a.store.Range(a.taskID, interval, func(acc *BatchAccumulator) error {
		count += acc.Count
		share.Merge(acc.Share)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return count, share, nil
}

// prepareInputShare decrypts an aggregator's input share and runs its local
// half of verification.
func prepareInputShare(keyring *Keyring, vdaf *Prio3Sum, vp *VerifyParam, header *ReportHeader, share *EncryptedInputShare) (*PrepareState, *VerifyMessage, error) {
	plaintext, err := keyring.Open(header, share)
	if err != nil {
		return nil, nil, err
	}
	input, err := vdaf.DecodeInputShare(vp.AggregatorID, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return vdaf.PrepareInit(vp, header.Nonce, input)
}
