package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrDownstreamUnavailable = errors.New("vault provisioner unavailable")

// Vault is the custody capability the provisioner issues. Both fields are
// opaque: persisted and forwarded to the chosen worker, never inspected.
type Vault struct {
	Address    string
	Credential []byte
}

// VaultProvisioner is the external custody collaborator consumed at bid
// selection time.
type VaultProvisioner interface {
	CreateVault(ctx context.Context, networkHint string) (Vault, error)
}

// LocalProvisioner mints throwaway vaults in-process. Suitable for mock
// transport and local development only.
type LocalProvisioner struct{}

func (LocalProvisioner) CreateVault(ctx context.Context, networkHint string) (Vault, error) {
	if err := ctx.Err(); err != nil {
		return Vault{}, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return Vault{}, err
	}
	credential := make([]byte, 32)
	if _, err := rand.Read(credential); err != nil {
		return Vault{}, err
	}
	return Vault{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Credential: credential,
	}, nil
}
