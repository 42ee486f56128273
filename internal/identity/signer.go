package identity

import (
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

var (
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrKeyUnavailable   = errors.New("signer key is not available")
)

// Signer owns one secp256k1 key and produces domain-separated signatures
// for the protocol's structured records. The identity ID is the checksummed
// address string, which doubles as the bus sender identity.
type Signer struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner generates a fresh random key.
func NewSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewMnemonic produces a fresh 24-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the signer key deterministically from a bip39
// mnemonic, so the same phrase always restores the same address.
func FromMnemonic(mnemonic string) (*Signer, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	key, err := deriveKey(seed)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func deriveKey(seed []byte) (*ecdsa.PrivateKey, error) {
	// Hash-and-increment until the candidate lands inside the curve order.
	// Deterministic for a fixed seed; in practice the first candidate wins.
	for i := 0; i < 128; i++ {
		candidate := crypto.Keccak256(seed, []byte{byte(i)})
		key, err := crypto.ToECDSA(candidate)
		if err == nil {
			return key, nil
		}
	}
	return nil, ErrKeyUnavailable
}

func (s *Signer) Address() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// ID returns the checksummed address string used as the bus identity.
func (s *Signer) ID() string {
	return s.Address().Hex()
}

// SignDigest signs a prepared 32-byte digest.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrKeyUnavailable
	}
	return typeddata.SignDigest(digest, s.key)
}

// SignIntent hashes and signs an intent under the domain.
func (s *Signer) SignIntent(intent models.Intent, domain typeddata.Domain) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrKeyUnavailable
	}
	return typeddata.SignIntent(intent, domain, s.key)
}

// SignAcceptance signs a bid attestation under the domain and returns it
// with the signature attached.
func (s *Signer) SignAcceptance(acc models.Acceptance, domain typeddata.Domain) (models.Acceptance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return models.Acceptance{}, ErrKeyUnavailable
	}
	return typeddata.SignAcceptance(acc, domain, s.key)
}
