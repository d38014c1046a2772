package ppm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/cryptobyte"
)

var (
	DEFAULT_PRIO_BITS = 63
	MAX_PRIO_BITS     = 63
)

// TaskID is an opaque, fixed-width task identifier. Nothing in this package
// relies on how it was derived.
type TaskID [32]byte

func (t TaskID) String() string {
	return fmt.Sprintf("%x", t[:])
}

type Protocol string

const (
	ProtocolPrio         Protocol = "Prio"
	ProtocolHeavyHitters Protocol = "HeavyHitters"
)

// TaskIDDerivation selects how a TaskID is computed from Parameters.
type TaskIDDerivation string

const (
	// TaskIDPadded zero-pads the 16-byte task nonce to 32 bytes. This is the
	// form every existing deployment of the protocol uses on the wire.
	TaskIDPadded TaskIDDerivation = "padded"
	// TaskIDHashed is a BLAKE3 hash over the full parameter set.
	TaskIDHashed TaskIDDerivation = "hashed"
)

// Parameters is the static agreement between Client, Leader, Helper and
// Collector for one measurement task.
type Parameters struct {
	Nonce            [16]byte         `json:"nonce"`
	LeaderURL        *URL             `json:"leader_url"`
	HelperURL        *URL             `json:"helper_url"`
	CollectorConfig  HpkeConfig       `json:"collector_config"`
	BatchSize        uint64           `json:"batch_size"`
	BatchWindow      Duration         `json:"batch_window"`
	Protocol         Protocol         `json:"protocol"`
	PrioBits         int              `json:"prio_bits,omitempty"`
	TaskIDDerivation TaskIDDerivation `json:"task_id_derivation,omitempty"`
}

// URL wraps url.URL so Parameters can be read from and written to JSON.
type URL struct {
	url.URL
}

func (u *URL) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	u.URL = *parsed
	return nil
}

func (u URL) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.URL.String())
}

// Endpoint resolves a path relative to the base URL.
func (u *URL) Endpoint(path string) string {
	base := u.URL
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return base.String()
}

func MustParseURL(raw string) *URL {
	parsed, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return &URL{*parsed}
}

// LoadParameters reads JSON encoded task parameters from r.
func LoadParameters(r io.Reader) (*Parameters, error) {
	var p Parameters
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing task parameters: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func LoadParametersFile(path string) (*Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadParameters(f)
}

func (p *Parameters) Validate() error {
	if p.LeaderURL == nil || p.HelperURL == nil {
		return errors.New("task parameters: leader_url and helper_url are required")
	}
	if p.BatchWindow == 0 {
		return errors.New("task parameters: batch_window must be positive")
	}
	if p.BatchSize == 0 {
		return errors.New("task parameters: batch_size must be positive")
	}
	switch p.Protocol {
	case ProtocolPrio:
	case ProtocolHeavyHitters:
		return errors.New("task parameters: HeavyHitters is not supported")
	default:
		return fmt.Errorf("task parameters: unknown protocol %q", p.Protocol)
	}
	if p.PrioBits < 0 || p.PrioBits > MAX_PRIO_BITS {
		return fmt.Errorf("task parameters: prio_bits must be in [1, %d]", MAX_PRIO_BITS)
	}
	switch p.TaskIDDerivation {
	case "", TaskIDPadded, TaskIDHashed:
	default:
		return fmt.Errorf("task parameters: unknown task_id_derivation %q", p.TaskIDDerivation)
	}
	return nil
}

// Bits returns the measurement width of the Prio3 sum for this task.
func (p *Parameters) Bits() int {
	if p.PrioBits == 0 {
		return DEFAULT_PRIO_BITS
	}
	return p.PrioBits
}

// TaskID returns the identifier selected by TaskIDDerivation.
func (p *Parameters) TaskID() TaskID {
	if p.TaskIDDerivation == TaskIDHashed {
		return p.HashedTaskID()
	}
	return p.PaddedTaskID()
}

// PaddedTaskID is the task nonce, zero-padded to 32 bytes.
func (p *Parameters) PaddedTaskID() TaskID {
	var id TaskID
	copy(id[:], p.Nonce[:])
	return id
}

// HashedTaskID binds every field of the parameter set, so two tasks that
// share a nonce but differ elsewhere get distinct identifiers.
func (p *Parameters) HashedTaskID() TaskID {
	return TaskID(blake3.Sum256(p.Marshal()))
}

//	struct {
//		opaque nonce[16];
//		opaque leader_url<1..2^16-1>;
//		opaque helper_url<1..2^16-1>;
//		HpkeConfig collector_config;
//		uint64 batch_size;
//		uint64 batch_window;
//		opaque protocol<1..2^8-1>;
//		uint8 prio_bits;
//	} PPMParam;
func (p *Parameters) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(p.Nonce[:])
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(p.LeaderURL.String()))
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(p.HelperURL.String()))
	})
	p.CollectorConfig.marshal(b)
	b.AddUint64(p.BatchSize)
	b.AddUint64(uint64(p.BatchWindow))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(p.Protocol))
	})
	b.AddUint8(uint8(p.Bits()))
	return b.BytesOrPanic()
}

// Time is a number of seconds since the UNIX epoch.
type Time uint64

// Duration is a number of seconds.
type Duration uint64

// UnmarshalJSON accepts either a bare number of seconds or the
// {"secs": .., "nanos": ..} object some task configurations use.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs uint64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs)
		return nil
	}
	var obj struct {
		Secs  uint64 `json:"secs"`
		Nanos uint64 `json:"nanos"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if obj.Nanos != 0 {
		return errors.New("invalid duration: sub-second precision is not supported")
	}
	*d = Duration(obj.Secs)
	return nil
}

// Interval is the half-open time range [Start, Start+Duration).
type Interval struct {
	Start    Time     `json:"start"`
	Duration Duration `json:"duration"`
}

func (i Interval) End() Time {
	return i.Start + Time(i.Duration)
}

func (i Interval) Contains(t Time) bool {
	return t >= i.Start && t < i.End()
}

func (i Interval) Overlaps(other Interval) bool {
	return i.Start < other.End() && other.Start < i.End()
}

func (i Interval) String() string {
	return fmt.Sprintf("[%d, %d)", i.Start, i.End())
}

// ValidateInterval checks that an Interval may be collected: both ends
// align to the batch window and it spans at least one window.
func (p *Parameters) ValidateInterval(i Interval) error {
	window := uint64(p.BatchWindow)
	switch {
	case i.Duration < p.BatchWindow:
		return fmt.Errorf("%w: duration %d shorter than batch window %d", ErrInvalidBatchInterval, i.Duration, window)
	case uint64(i.Duration)%window != 0:
		return fmt.Errorf("%w: duration %d not a multiple of batch window %d", ErrInvalidBatchInterval, i.Duration, window)
	case uint64(i.Start)%window != 0:
		return fmt.Errorf("%w: start %d not aligned to batch window %d", ErrInvalidBatchInterval, i.Start, window)
	case i.End() < i.Start:
		return fmt.Errorf("%w: interval overflows", ErrInvalidBatchInterval)
	}
	return nil
}

// BatchUnit returns the single-window interval that t falls into.
func (p *Parameters) BatchUnit(t Time) Interval {
	window := uint64(p.BatchWindow)
	return Interval{
		Start:    Time(uint64(t) - uint64(t)%window),
		Duration: p.BatchWindow,
	}
}

func encodeTime(t Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t))
	return buf
}
