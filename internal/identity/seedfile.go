package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"jobmesh/go-backend/internal/securestore"
)

var ErrPassphraseRequired = errors.New("seed passphrase is required")

// SaveSeed writes the mnemonic to path as a passphrase-protected envelope.
// Key material never touches disk in the clear.
func SaveSeed(path, passphrase, mnemonic string) error {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	encrypted, err := securestore.Encrypt(passphrase, []byte(mnemonic))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

// LoadSeed decrypts the seed file at path and restores the signer it holds.
func LoadSeed(path, passphrase string) (*Signer, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := securestore.Decrypt(passphrase, raw)
	if err != nil {
		return nil, err
	}
	return FromMnemonic(string(plaintext))
}
