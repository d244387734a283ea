// Package identity loads or creates the wallet's root secret.
//
// The root secret is derived from BIP-39 entropy that is generated once and
// persisted. Every later start re-derives the identical secret from the
// stored entropy.
package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"blitzi/internal/logging"
	"blitzi/internal/store"
)

// EntropyBits yields a 12-word mnemonic.
const EntropyBits = 128

var ErrMalformedEntropy = errors.New("malformed persisted entropy")

const rootSalt = "blitzi-root-secret"

// SecretStore is the subset of store.Store this package needs.
type SecretStore interface {
	LoadClientSecret(ctx context.Context) ([]byte, error)
	SaveClientSecret(ctx context.Context, entropy []byte) error
}

// RootSecret is the key material every other identity is derived from.
type RootSecret struct {
	key      [32]byte
	mnemonic string
}

// LoadOrCreate returns the root secret persisted in st, generating and
// saving fresh entropy on first use.
func LoadOrCreate(ctx context.Context, st SecretStore) (RootSecret, error) {
	entropy, err := st.LoadClientSecret(ctx)
	if err == nil {
		return FromEntropy(entropy)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return RootSecret{}, fmt.Errorf("load client secret: %w", err)
	}

	entropy, err = bip39.NewEntropy(EntropyBits)
	if err != nil {
		return RootSecret{}, fmt.Errorf("generate entropy: %w", err)
	}
	secret, err := FromEntropy(entropy)
	if err != nil {
		return RootSecret{}, err
	}

	if err := st.SaveClientSecret(ctx, entropy); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with another opener of the same data directory.
			return LoadOrCreate(ctx, st)
		}
		return RootSecret{}, fmt.Errorf("save client secret: %w", err)
	}

	logging.Internal.Printf("Generated new wallet identity")
	return secret, nil
}

// FromEntropy derives the root secret from 16 bytes of BIP-39 entropy.
func FromEntropy(entropy []byte) (RootSecret, error) {
	if len(entropy) != EntropyBits/8 {
		return RootSecret{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedEntropy, EntropyBits/8, len(entropy))
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return RootSecret{}, fmt.Errorf("%w: %v", ErrMalformedEntropy, err)
	}
	seed := bip39.NewSeed(mnemonic, "")

	var rs RootSecret
	r := hkdf.New(sha256.New, seed, []byte(rootSalt), nil)
	if _, err := io.ReadFull(r, rs.key[:]); err != nil {
		return RootSecret{}, fmt.Errorf("derive root secret: %w", err)
	}
	rs.mnemonic = mnemonic
	return rs, nil
}

// Derive returns a 32-byte child secret for the given purpose.
func (rs RootSecret) Derive(info string) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, rs.key[:], nil, []byte(info))
	// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
	io.ReadFull(r, out[:])
	return out
}

// Mnemonic returns the 12 recovery words.
func (rs RootSecret) Mnemonic() string {
	return rs.mnemonic
}

func (rs RootSecret) IsZero() bool {
	return rs.key == [32]byte{}
}

// String keeps the secret out of logs.
func (rs RootSecret) String() string {
	return "RootSecret(redacted)"
}
