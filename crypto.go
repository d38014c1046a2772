package ppm

import (
	"crypto"
	_ "crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

type KDF interface {
	Extract(salt, ikm []byte) []byte
	Expand(prk, info []byte, L int) []byte
}

// HKDF-SHA256

type HkdfKDF struct {
	hash crypto.Hash
}

func (f HkdfKDF) Extract(salt, ikm []byte) []byte {
	return hkdf.Extract(f.hash.New, ikm, salt)
}

func (f HkdfKDF) Expand(prk, info []byte, L int) []byte {
	hkdf := hkdf.Expand(f.hash.New, prk, info)
	out := make([]byte, L)
	if _, err := io.ReadFull(hkdf, out); err != nil {
		panic("Extraction failed")
	}
	return out
}
