package ppm

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/vdaf/prio3/arith/fp64"
	"github.com/cloudflare/circl/vdaf/prio3/sum"
	"golang.org/x/crypto/cryptobyte"
)

const NUM_AGGREGATORS = 2

var (
	VERIFY_KEY_LEN = len(sum.VerifyKey{})
	SHARD_SEED_LEN = 32
	// Application context the VDAF binds into every derivation.
	vdafContext = []byte("ppm-go prio3sum")
)

// Prio3Sum is a two-aggregator VDAF for summing integers in [0, 2^bits).
// Sharding, proof verification and unsharding are Prio3Sum from
// circl/vdaf/prio3/sum; this type fixes its parameters and carries the
// wire encodings used between Client, Leader and Helper.
type Prio3Sum struct {
	bits int
	max  uint64
	kdf  KDF
	sum  *sum.Sum
}

func NewPrio3Sum(bits int) (*Prio3Sum, error) {
	if bits < 1 || bits > MAX_PRIO_BITS {
		return nil, fmt.Errorf("Prio3Sum: bits must be in [1, %d], got %d", MAX_PRIO_BITS, bits)
	}
	max := uint64(1)<<uint(bits) - 1
	s, err := sum.New(NUM_AGGREGATORS, max, vdafContext)
	if err != nil {
		return nil, fmt.Errorf("Prio3Sum: %w", err)
	}
	return &Prio3Sum{
		bits: bits,
		max:  max,
		kdf:  HkdfKDF{crypto.SHA256},
		sum:  s,
	}, nil
}

func (v *Prio3Sum) Bits() int {
	return v.bits
}

// InputShare is one aggregator's share of a measurement, together with the
// public share every aggregator receives.
type InputShare struct {
	PublicShare sum.PublicShare
	share       sum.InputShare
}

//	struct {
//		opaque public_share<0..2^16-1>;
//		opaque input_share[Nl or Nh];
//	} InputShare;
func (s *InputShare) MarshalBinary() ([]byte, error) {
	enc, err := s.share.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.PublicShare)
	})
	b.AddBytes(enc)
	return b.Bytes()
}

func (v *Prio3Sum) newInputShare(aggID uint8) sum.InputShare {
	p := v.sum.Params()
	var share sum.InputShare
	share.New(&p, uint(aggID))
	return share
}

// DecodeInputShare parses the input share addressed to aggregator aggID.
// The Leader's share carries the measurement and proof shares in full, a
// Helper's share is the seed they are expanded from.
func (v *Prio3Sum) DecodeInputShare(aggID uint8, data []byte) (*InputShare, error) {
	if int(aggID) >= NUM_AGGREGATORS {
		return nil, fmt.Errorf("invalid aggregator id %d", aggID)
	}
	s := cryptobyte.String(data)
	var public cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&public) || s.Empty() {
		return nil, ErrInvalidShare
	}
	share := &InputShare{
		PublicShare: sum.PublicShare(append([]byte{}, public...)),
		share:       v.newInputShare(aggID),
	}
	if err := share.share.UnmarshalBinary(s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	return share, nil
}

// Measure splits value into one InputShare per aggregator, Leader first.
// The shares are bound to the report nonce.
func (v *Prio3Sum) Measure(nonce Nonce, value uint64) ([]*InputShare, error) {
	if value > v.max {
		return nil, fmt.Errorf("%w: %d does not fit in %d bits", ErrMeasurement, value, v.bits)
	}

	seed := make([]byte, SHARD_SEED_LEN)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return v.shard(nonce, value, seed)
}

func (v *Prio3Sum) shard(nonce Nonce, value uint64, seed []byte) ([]*InputShare, error) {
	p := v.sum.Params()
	coins := deriveShardRandomness(v.kdf, seed, nonce, int(p.RandSize()))

	n := sum.Nonce(nonce)
	public, shares, err := v.sum.Shard(value, &n, coins)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMeasurement, err)
	}
	out := make([]*InputShare, len(shares))
	for i := range shares {
		out[i] = &InputShare{PublicShare: public, share: shares[i]}
	}
	return out, nil
}

// VerifyParam is the per-aggregator key material of a task. Both
// aggregators hold the same verify key; it is produced once by the task
// setup phase and never leaves the aggregators.
type VerifyParam struct {
	AggregatorID uint8
	VerifyKey    []byte
}

// Setup generates the verify parameters for every aggregator of a task.
func (v *Prio3Sum) Setup() ([]*VerifyParam, error) {
	key := make([]byte, VERIFY_KEY_LEN)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	params := make([]*VerifyParam, NUM_AGGREGATORS)
	for i := range params {
		params[i] = &VerifyParam{
			AggregatorID: uint8(i),
			VerifyKey:    append([]byte{}, key...),
		}
	}
	return params, nil
}

//	struct {
//		uint8 aggregator_id;
//		opaque verify_key<1..2^8-1>;
//	} VerifyParam;
func (p *VerifyParam) MarshalBinary() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(p.AggregatorID)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.VerifyKey)
	})
	return b.Bytes()
}

func (p *VerifyParam) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var key cryptobyte.String
	if !s.ReadUint8(&p.AggregatorID) || !s.ReadUint8LengthPrefixed(&key) || len(key) != VERIFY_KEY_LEN || !s.Empty() {
		return errors.New("invalid verify parameter encoding")
	}
	p.VerifyKey = append([]byte{}, key...)
	return nil
}

func (p *VerifyParam) String() string {
	enc, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(enc)
}

func ParseVerifyParam(s string) (*VerifyParam, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid verify parameter: %w", err)
	}
	p := &VerifyParam{}
	if err := p.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return p, nil
}

// VerifyMessage is an aggregator's prep share: its share of the verifier
// that decides a report.
type VerifyMessage struct {
	share sum.PrepShare
}

func (m *VerifyMessage) MarshalBinary() ([]byte, error) {
	return m.share.MarshalBinary()
}

func (v *Prio3Sum) DecodeVerifyMessage(data []byte) (*VerifyMessage, error) {
	p := v.sum.Params()
	m := &VerifyMessage{}
	m.share.New(&p)
	if err := m.share.UnmarshalBinary(data); err != nil {
		return nil, errors.New("invalid verify message encoding")
	}
	return m, nil
}

// OutputShare is an aggregator's share of a verified measurement.
type OutputShare struct {
	value fp64.Fp
}

type PrepareState struct {
	state *sum.PrepState
}

// PrepareInit runs an aggregator's local half of verification. The returned
// message is exchanged with the other aggregator.
func (v *Prio3Sum) PrepareInit(vp *VerifyParam, nonce Nonce, share *InputShare) (*PrepareState, *VerifyMessage, error) {
	if int(vp.AggregatorID) >= NUM_AGGREGATORS {
		return nil, nil, fmt.Errorf("invalid aggregator id %d", vp.AggregatorID)
	}
	if len(vp.VerifyKey) != VERIFY_KEY_LEN {
		return nil, nil, fmt.Errorf("verify key must be %d bytes", VERIFY_KEY_LEN)
	}

	var key sum.VerifyKey
	copy(key[:], vp.VerifyKey)
	n := sum.Nonce(nonce)
	state, prep, err := v.sum.PrepInit(&key, &n, vp.AggregatorID, share.PublicShare, share.share)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	return &PrepareState{state: state}, &VerifyMessage{share: *prep}, nil
}

// PrepareFinish combines every aggregator's verify message and releases the
// output share only if the report is valid.
func (v *Prio3Sum) PrepareFinish(state *PrepareState, msgs []*VerifyMessage) (*OutputShare, error) {
	if len(msgs) != NUM_AGGREGATORS {
		return nil, fmt.Errorf("expected %d verify messages, got %d", NUM_AGGREGATORS, len(msgs))
	}

	shares := make([]sum.PrepShare, len(msgs))
	for i, m := range msgs {
		if m == nil {
			return nil, ErrVerifyFailed
		}
		shares[i] = m.share
	}
	msg, err := v.sum.PrepSharesToPrep(shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	out, err := v.sum.PrepNext(state.state, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}

	// The sum's output share is a single field element.
	enc, err := out.MarshalBinary()
	if err != nil {
		return nil, err
	}
	share := &OutputShare{}
	if err := share.value.UnmarshalBinary(enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	return share, nil
}

// AggregateShare is the running sum of an aggregator's output shares. The
// zero value is the empty aggregate.
type AggregateShare struct {
	value fp64.Fp
}

func (v *Prio3Sum) AggregateInit() *AggregateShare {
	return &AggregateShare{}
}

func (a *AggregateShare) Add(out *OutputShare) {
	a.value.AddAssign(&out.value)
}

func (a *AggregateShare) Merge(other *AggregateShare) {
	a.value.AddAssign(&other.value)
}

func (a *AggregateShare) Clone() *AggregateShare {
	return &AggregateShare{value: a.value}
}

func (a *AggregateShare) MarshalBinary() ([]byte, error) {
	return a.value.MarshalBinary()
}

func (a *AggregateShare) UnmarshalBinary(data []byte) error {
	var value fp64.Fp
	if err := value.UnmarshalBinary(data); err != nil {
		return ErrInvalidShare
	}
	a.value = value
	return nil
}

// Unshard recombines the aggregate shares of every aggregator into the sum
// of count measurements.
func (v *Prio3Sum) Unshard(shares []*AggregateShare, count uint64) (uint64, error) {
	if len(shares) != NUM_AGGREGATORS {
		return 0, fmt.Errorf("expected %d aggregate shares, got %d", NUM_AGGREGATORS, len(shares))
	}
	aggs := make([]sum.AggShare, len(shares))
	for i, s := range shares {
		enc, err := s.MarshalBinary()
		if err != nil {
			return 0, err
		}
		aggs[i] = v.sum.AggregateInit()
		if err := aggs[i].UnmarshalBinary(enc); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidShare, err)
		}
	}
	total, err := v.sum.Unshard(aggs, uint(count))
	if err != nil {
		return 0, err
	}
	return *total, nil
}
