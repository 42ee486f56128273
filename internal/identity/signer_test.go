package identity

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

func testDomain() typeddata.Domain {
	return typeddata.Domain{Name: "jobmesh", Version: "1", ChainID: 1}
}

func TestNewMnemonicIs24Words(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic: %v", err)
	}
	if got := len(strings.Fields(mnemonic)); got != 24 {
		t.Fatalf("expected 24 words, got %d", got)
	}
}

func TestFromMnemonicIsDeterministic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic: %v", err)
	}
	a, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive signer: %v", err)
	}
	b, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive signer again: %v", err)
	}
	if a.Address() != b.Address() {
		t.Fatalf("same mnemonic must restore the same address: %s vs %s", a.Address(), b.Address())
	}
	if a.ID() != a.Address().Hex() {
		t.Fatalf("identity must be the checksummed address, got %s", a.ID())
	}
}

func TestFromMnemonicRejectsBadInput(t *testing.T) {
	if _, err := FromMnemonic("  "); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := FromMnemonic("not a valid phrase at all"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSignIntentVerifies(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	intent := models.Intent{
		PayloadHash:       common.HexToHash("0x01"),
		Expiry:            1700003600,
		Nonce:             1,
		Signer:            signer.Address(),
		CoordinationType:  "job.posting",
		CoordinationValue: big.NewInt(1000),
		Participants:      []common.Address{signer.Address()},
	}
	sig, err := signer.SignIntent(intent, testDomain())
	if err != nil {
		t.Fatalf("sign intent: %v", err)
	}
	hash, err := typeddata.HashIntent(intent)
	if err != nil {
		t.Fatalf("hash intent: %v", err)
	}
	digest := typeddata.Digest(hash, testDomain())
	if err := typeddata.VerifySigner(digest, sig, signer.Address()); err != nil {
		t.Fatalf("signature must verify: %v", err)
	}
}

func TestSignAcceptanceVerifies(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	acc := models.Acceptance{
		IntentHash:     common.HexToHash("0x01"),
		Participant:    signer.Address(),
		Nonce:          1,
		Expiry:         1700003600,
		ConditionsHash: common.HexToHash("0x02"),
	}
	signed, err := signer.SignAcceptance(acc, testDomain())
	if err != nil {
		t.Fatalf("sign acceptance: %v", err)
	}
	digest := typeddata.Digest(typeddata.HashAcceptance(signed), testDomain())
	if err := typeddata.VerifySigner(digest, signed.Signature, signer.Address()); err != nil {
		t.Fatalf("acceptance must verify: %v", err)
	}
}

func TestNilKeyFailsClosed(t *testing.T) {
	s := &Signer{}
	if _, err := s.SignDigest(common.HexToHash("0x01")); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := s.SignIntent(models.Intent{}, testDomain()); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := s.SignAcceptance(models.Acceptance{}, testDomain()); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}
