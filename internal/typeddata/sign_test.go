package typeddata

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/pkg/models"
)

func TestSignAndRecoverRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	hash, err := HashIntent(testIntent())
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	digest := Digest(hash, testDomain())
	sig, err := SignDigest(digest, key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	got, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s, want %s", got, want)
	}
	if err := VerifySigner(digest, sig, want); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestRecoverSignerNormalizesLegacyV(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := Digest(common.HexToHash("0x01"), testDomain())
	sig, err := SignDigest(digest, key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	legacy := make([]byte, len(sig))
	copy(legacy, sig)
	legacy[64] += 27
	got, err := RecoverSigner(digest, legacy)
	if err != nil {
		t.Fatalf("recover with legacy V failed: %v", err)
	}
	if got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("legacy V signature must recover the same signer")
	}
}

func TestRecoverSignerRejectsDefects(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := Digest(common.HexToHash("0x01"), testDomain())
	sig, err := SignDigest(digest, key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if _, err := RecoverSigner(digest, sig[:64]); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("short signature must fail, got %v", err)
	}

	other := Digest(common.HexToHash("0x02"), testDomain())
	recovered, err := RecoverSigner(other, sig)
	if err == nil && recovered == crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("signature over another digest must not recover the signer")
	}
	if err := VerifySigner(other, sig, crypto.PubkeyToAddress(key.PublicKey)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("verify against wrong digest must fail, got %v", err)
	}
}

func TestSignAcceptanceFillsSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	participant := crypto.PubkeyToAddress(key.PublicKey)
	acc := models.Acceptance{
		IntentHash:     common.HexToHash("0x01"),
		Participant:    participant,
		Nonce:          1,
		Expiry:         1700000000,
		ConditionsHash: common.HexToHash("0x02"),
	}
	signed, err := SignAcceptance(acc, testDomain(), key)
	if err != nil {
		t.Fatalf("sign acceptance failed: %v", err)
	}
	if len(signed.Signature) != signatureLength {
		t.Fatalf("unexpected signature length: %d", len(signed.Signature))
	}
	digest := Digest(HashAcceptance(signed), testDomain())
	if err := VerifySigner(digest, signed.Signature, participant); err != nil {
		t.Fatalf("acceptance signature must verify: %v", err)
	}
}

func TestSignDigestNilKey(t *testing.T) {
	if _, err := SignDigest(common.HexToHash("0x01"), nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("nil key must fail, got %v", err)
	}
}
