package typeddata

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/pkg/models"
)

var ErrSignatureInvalid = errors.New("signature invalid")

const signatureLength = 65

// SignDigest produces a 65-byte [R || S || V] signature over the digest.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrSignatureInvalid
	}
	return crypto.Sign(digest.Bytes(), key)
}

// SignIntent hashes the intent, applies the domain and signs the digest.
func SignIntent(in models.Intent, domain Domain, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := HashIntent(in)
	if err != nil {
		return nil, err
	}
	return SignDigest(Digest(hash, domain), key)
}

// SignAcceptance signs the domain digest of the acceptance and returns the
// attestation with the signature filled in.
func SignAcceptance(acc models.Acceptance, domain Domain, key *ecdsa.PrivateKey) (models.Acceptance, error) {
	sig, err := SignDigest(Digest(HashAcceptance(acc), domain), key)
	if err != nil {
		return models.Acceptance{}, err
	}
	acc.Signature = sig
	return acc, nil
}

// RecoverSigner recovers the address that produced sig over digest. Any
// defect in the signature fails closed.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, ErrSignatureInvalid
	}
	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrSignatureInvalid
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over digest recovers to want.
func VerifySigner(digest common.Hash, sig []byte, want common.Address) error {
	got, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if got != want {
		return ErrSignatureInvalid
	}
	return nil
}
