package ppm

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/cryptobyte"
)

var (
	DEFAULT_KEM  = hpke.KEM_X25519_HKDF_SHA256
	DEFAULT_KDF  = hpke.KDF_HKDF_SHA256
	DEFAULT_AEAD = hpke.AEAD_ChaCha20Poly1305

	inputShareLabel = []byte("ppm input share")
)

type Role uint8

const (
	RoleCollector Role = 0
	RoleClient    Role = 1
	RoleLeader    Role = 2
	RoleHelper    Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleCollector:
		return "collector"
	case RoleClient:
		return "client"
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "collector":
		return RoleCollector, nil
	case "client":
		return RoleClient, nil
	case "leader":
		return RoleLeader, nil
	case "helper":
		return RoleHelper, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// aggregatorIndex is the position of an aggregator's share in a Report and
// its VDAF aggregator id.
func (r Role) aggregatorIndex() (int, error) {
	switch r {
	case RoleLeader:
		return 0, nil
	case RoleHelper:
		return 1, nil
	}
	return 0, fmt.Errorf("%v is not an aggregator", r)
}

// HpkeConfig is the encryption configuration a role publishes.
type HpkeConfig struct {
	ID        uint8  `json:"id"`
	KEMID     uint16 `json:"kem_id"`
	KDFID     uint16 `json:"kdf_id"`
	AEADID    uint16 `json:"aead_id"`
	PublicKey Bytes  `json:"public_key"`
}

func (c *HpkeConfig) suite() (hpke.Suite, error) {
	kemID, kdfID, aeadID := hpke.KEM(c.KEMID), hpke.KDF(c.KDFID), hpke.AEAD(c.AEADID)
	if !kemID.IsValid() || !kdfID.IsValid() || !aeadID.IsValid() {
		return hpke.Suite{}, fmt.Errorf("unsupported HPKE suite (%#x, %#x, %#x)", c.KEMID, c.KDFID, c.AEADID)
	}
	return hpke.NewSuite(kemID, kdfID, aeadID), nil
}

func (c *HpkeConfig) marshal(b *cryptobyte.Builder) {
	b.AddUint8(c.ID)
	b.AddUint16(c.KEMID)
	b.AddUint16(c.KDFID)
	b.AddUint16(c.AEADID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.PublicKey)
	})
}

// hpkeInfo binds a ciphertext to the aggregator it is addressed to, so a
// Leader share can never be opened as a Helper share or vice versa.
func hpkeInfo(role Role) []byte {
	info := append([]byte{}, inputShareLabel...)
	return append(info, 0x01, byte(role))
}

// SealInputShare encrypts plaintext to this configuration for the given
// aggregator role. The report header is authenticated as associated data.
func (c *HpkeConfig) SealInputShare(role Role, header *ReportHeader, plaintext []byte) (*EncryptedInputShare, error) {
	suite, err := c.suite()
	if err != nil {
		return nil, err
	}
	kemID := hpke.KEM(c.KEMID)
	pk, err := kemID.Scheme().UnmarshalBinaryPublicKey(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid HPKE public key: %w", err)
	}
	sender, err := suite.NewSender(pk, hpkeInfo(role))
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, err
	}
	payload, err := sealer.Seal(plaintext, header.Marshal())
	if err != nil {
		return nil, err
	}

	return &EncryptedInputShare{
		ConfigID:            c.ID,
		EncapsulatedContext: enc,
		Payload:             payload,
	}, nil
}

// HpkePrivateConfig is an HpkeConfig together with the matching secret key.
type HpkePrivateConfig struct {
	HpkeConfig
	PrivateKey Bytes `json:"private_key"`
}

func (c *HpkePrivateConfig) Public() *HpkeConfig {
	public := c.HpkeConfig
	return &public
}

// GenerateHpkeConfig creates a fresh key pair for the default suite.
func GenerateHpkeConfig(id uint8) (*HpkePrivateConfig, error) {
	pk, sk, err := DEFAULT_KEM.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pkEnc, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	skEnc, err := sk.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &HpkePrivateConfig{
		HpkeConfig: HpkeConfig{
			ID:        id,
			KEMID:     uint16(DEFAULT_KEM),
			KDFID:     uint16(DEFAULT_KDF),
			AEADID:    uint16(DEFAULT_AEAD),
			PublicKey: pkEnc,
		},
		PrivateKey: skEnc,
	}, nil
}

// HpkeConfigFile holds the key configurations of every role in a task, as
// distributed to a test deployment.
type HpkeConfigFile struct {
	Leader    HpkePrivateConfig `json:"leader"`
	Helper    HpkePrivateConfig `json:"helper"`
	Collector HpkePrivateConfig `json:"collector"`
}

func LoadHpkeConfigFile(path string) (*HpkeConfigFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file HpkeConfigFile
	if err := json.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing HPKE config file: %w", err)
	}
	return &file, nil
}

// ForRole returns the configuration belonging to an aggregator or the
// collector.
func (f *HpkeConfigFile) ForRole(role Role) (*HpkePrivateConfig, error) {
	switch role {
	case RoleLeader:
		return &f.Leader, nil
	case RoleHelper:
		return &f.Helper, nil
	case RoleCollector:
		return &f.Collector, nil
	}
	return nil, fmt.Errorf("no HPKE config for %v", role)
}

// Keyring holds the secret keys of one role, indexed by config id. Opening
// never mutates key state, so the same share may be opened repeatedly.
type Keyring struct {
	role Role

	mu      sync.RWMutex
	configs map[uint8]*HpkePrivateConfig
	current uint8
}

func NewKeyring(role Role, configs ...*HpkePrivateConfig) *Keyring {
	k := &Keyring{
		role:    role,
		configs: make(map[uint8]*HpkePrivateConfig),
	}
	for _, c := range configs {
		k.Add(c)
	}
	return k
}

// Add installs a configuration and makes it the published one. Older
// configurations stay usable for decryption.
func (k *Keyring) Add(c *HpkePrivateConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.configs[c.ID] = c
	k.current = c.ID
}

// PublicConfig returns the most recently installed configuration.
func (k *Keyring) PublicConfig() *HpkeConfig {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.configs[k.current]
	if !ok {
		return nil
	}
	return c.Public()
}

func (k *Keyring) Open(header *ReportHeader, share *EncryptedInputShare) ([]byte, error) {
	k.mu.RLock()
	c, ok := k.configs[share.ConfigID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConfig, share.ConfigID)
	}

	suite, err := c.suite()
	if err != nil {
		return nil, err
	}
	sk, err := hpke.KEM(c.KEMID).Scheme().UnmarshalBinaryPrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid HPKE private key: %w", err)
	}
	receiver, err := suite.NewReceiver(sk, hpkeInfo(k.role))
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(share.EncapsulatedContext)
	if err != nil {
		return nil, errors.Join(ErrMalformedKey, err)
	}
	plaintext, err := opener.Open(share.Payload, header.Marshal())
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
