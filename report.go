package ppm

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// Nonce is chosen by the client for each report.
type Nonce [16]byte

func RandomNonce() (Nonce, error) {
	var n Nonce
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, err
}

type Extension struct {
	Type uint16 `json:"type"`
	Data Bytes  `json:"data"`
}

type EncryptedInputShare struct {
	ConfigID            uint8 `json:"config_id"`
	EncapsulatedContext Bytes `json:"encapsulated_context"`
	Payload             Bytes `json:"payload"`
}

// ReportHeader is the part of a Report every aggregator sees and that is
// authenticated by each encrypted input share.
type ReportHeader struct {
	TaskID     TaskID      `json:"task_id"`
	Time       Time        `json:"time"`
	Nonce      Nonce       `json:"nonce"`
	Extensions []Extension `json:"extensions"`
}

//	struct {
//		opaque task_id[32];
//		uint64 time;
//		opaque nonce[16];
//		Extension extensions<0..2^16-1>;
//	} ReportHeader;
//
//	struct {
//		uint16 type;
//		opaque data<0..2^16-1>;
//	} Extension;
func (h *ReportHeader) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(h.TaskID[:])
	b.AddUint64(uint64(h.Time))
	b.AddBytes(h.Nonce[:])
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range h.Extensions {
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
	return b.BytesOrPanic()
}

// Report is one client submission. EncryptedInputShares holds the Leader's
// share first and the Helper's second.
type Report struct {
	TaskID               TaskID                `json:"task_id"`
	Time                 Time                  `json:"time"`
	Nonce                Nonce                 `json:"nonce"`
	Extensions           []Extension           `json:"extensions"`
	EncryptedInputShares []EncryptedInputShare `json:"encrypted_input_shares"`
}

func (r *Report) Header() *ReportHeader {
	return &ReportHeader{
		TaskID:     r.TaskID,
		Time:       r.Time,
		Nonce:      r.Nonce,
		Extensions: r.Extensions,
	}
}

// InputShareFor returns the encrypted share addressed to an aggregator.
func (r *Report) InputShareFor(role Role) (*EncryptedInputShare, error) {
	idx, err := role.aggregatorIndex()
	if err != nil {
		return nil, err
	}
	if len(r.EncryptedInputShares) != NUM_AGGREGATORS {
		return nil, fmt.Errorf("%w: have %d shares", ErrIncompleteReport, len(r.EncryptedInputShares))
	}
	return &r.EncryptedInputShares[idx], nil
}

// ReportBuilder assembles a Report. A Report only comes out of Build once
// every aggregator's share has been sealed, so a partially encrypted report
// is never observable.
type ReportBuilder struct {
	header ReportHeader
	shares [NUM_AGGREGATORS]*EncryptedInputShare
	err    error
}

func NewReportBuilder(taskID TaskID, time Time, nonce Nonce) *ReportBuilder {
	return &ReportBuilder{
		header: ReportHeader{
			TaskID:     taskID,
			Time:       time,
			Nonce:      nonce,
			Extensions: []Extension{},
		},
	}
}

// WithExtension must be called before any share is sealed, since the
// extensions are part of the associated data.
func (b *ReportBuilder) WithExtension(ext Extension) *ReportBuilder {
	for _, s := range b.shares {
		if s != nil {
			b.err = fmt.Errorf("extension added after a share was sealed")
			return b
		}
	}
	b.header.Extensions = append(b.header.Extensions, ext)
	return b
}

// Seal encrypts plaintext to the configuration of the given aggregator.
func (b *ReportBuilder) Seal(role Role, config *HpkeConfig, plaintext []byte) *ReportBuilder {
	if b.err != nil {
		return b
	}
	idx, err := role.aggregatorIndex()
	if err != nil {
		b.err = err
		return b
	}
	share, err := config.SealInputShare(role, &b.header, plaintext)
	if err != nil {
		b.err = fmt.Errorf("sealing %v share: %w", role, err)
		return b
	}
	b.shares[idx] = share
	return b
}

func (b *ReportBuilder) Build() (*Report, error) {
	if b.err != nil {
		return nil, b.err
	}
	shares := make([]EncryptedInputShare, NUM_AGGREGATORS)
	for i, s := range b.shares {
		if s == nil {
			return nil, ErrIncompleteReport
		}
		shares[i] = *s
	}

	extensions := make([]Extension, len(b.header.Extensions))
	copy(extensions, b.header.Extensions)
	return &Report{
		TaskID:               b.header.TaskID,
		Time:                 b.header.Time,
		Nonce:                b.header.Nonce,
		Extensions:           extensions,
		EncryptedInputShares: shares,
	}, nil
}
