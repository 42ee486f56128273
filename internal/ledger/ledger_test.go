package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

type fixture struct {
	t         *testing.T
	led       *Ledger
	now       int64
	requester *ecdsa.PrivateKey
	worker    *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: 1700000000}
	var err error
	if f.requester, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("generate requester key: %v", err)
	}
	if f.worker, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("generate worker key: %v", err)
	}
	domain := typeddata.Domain{
		Name:          "jobmesh",
		Version:       "1",
		ChainID:       1,
		LedgerAddress: common.HexToAddress("0xaa"),
	}
	f.led = newLedgerWithClock(domain, 64, func() time.Time {
		return time.Unix(f.now, 0)
	})
	return f
}

func (f *fixture) requesterAddr() common.Address { return crypto.PubkeyToAddress(f.requester.PublicKey) }
func (f *fixture) workerAddr() common.Address    { return crypto.PubkeyToAddress(f.worker.PublicKey) }

func (f *fixture) participants() []common.Address {
	out := []common.Address{f.requesterAddr(), f.workerAddr()}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

func (f *fixture) spec() models.JobSpec {
	return models.JobSpec{
		Topic:          "render",
		ContentLocator: "ipfs://bafyjob",
		Budget:         big.NewInt(1000),
		Deadline:       f.now + 7200,
	}
}

func (f *fixture) intent(nonce uint64) models.Intent {
	spec := f.spec()
	payloadHash, err := typeddata.HashJobSpec(spec)
	if err != nil {
		f.t.Fatalf("hash job spec: %v", err)
	}
	return models.Intent{
		PayloadHash:       payloadHash,
		Expiry:            f.now + 3600,
		Nonce:             nonce,
		Signer:            f.requesterAddr(),
		CoordinationType:  "job.posting",
		CoordinationValue: big.NewInt(1000),
		Participants:      f.participants(),
	}
}

func (f *fixture) sign(intent models.Intent) []byte {
	sig, err := typeddata.SignIntent(intent, f.led.Domain(), f.requester)
	if err != nil {
		f.t.Fatalf("sign intent: %v", err)
	}
	return sig
}

func (f *fixture) post(nonce uint64) (common.Hash, models.Intent) {
	intent := f.intent(nonce)
	hash, err := f.led.PostIntent(intent, f.sign(intent), f.spec())
	if err != nil {
		f.t.Fatalf("post intent: %v", err)
	}
	return hash, intent
}

func (f *fixture) acceptance(intentHash common.Hash) models.Acceptance {
	acc := models.Acceptance{
		IntentHash:     intentHash,
		Participant:    f.workerAddr(),
		Nonce:          1,
		Expiry:         f.now + 3600,
		ConditionsHash: common.HexToHash("0x07"),
	}
	signed, err := typeddata.SignAcceptance(acc, f.led.Domain(), f.worker)
	if err != nil {
		f.t.Fatalf("sign acceptance: %v", err)
	}
	return signed
}

func TestPostIntentAcceptsAndPublishes(t *testing.T) {
	f := newFixture(t)
	replay, _, cancel := f.led.Feed().Subscribe(0)
	defer cancel()
	if len(replay) != 0 {
		t.Fatalf("fresh feed should be empty, got %d events", len(replay))
	}

	hash, _ := f.post(1)
	if got := f.led.GetIntentStatus(hash); got != models.IntentStatusProposed {
		t.Fatalf("expected Proposed, got %s", got)
	}
	if got := f.led.NonceOf(f.requesterAddr()); got != 1 {
		t.Fatalf("nonce should advance to 1, got %d", got)
	}

	replay, _, cancel2 := f.led.Feed().Subscribe(0)
	defer cancel2()
	if len(replay) != 1 || replay[0].Kind != EventIntentPosted {
		t.Fatalf("expected one IntentPosted event, got %+v", replay)
	}
	payload := replay[0].Payload.(IntentPosted)
	if payload.IntentHash != hash || payload.Requester != f.requesterAddr() {
		t.Fatalf("unexpected event payload: %+v", payload)
	}
}

func TestPostIntentIdenticalIntentCollides(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	sig := f.sign(intent)
	if _, err := f.led.PostIntent(intent, sig, f.spec()); err != nil {
		t.Fatalf("first post failed: %v", err)
	}
	// The nonce guard fires before the collision check for a byte-identical
	// replay; both reject the same post.
	if _, err := f.led.PostIntent(intent, sig, f.spec()); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce on replay, got %v", err)
	}
}

func TestPostIntentRejectsExpired(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	intent.Expiry = f.now
	sig := f.sign(intent)
	if _, err := f.led.PostIntent(intent, sig, f.spec()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestPostIntentRejectsStaleNonce(t *testing.T) {
	f := newFixture(t)
	f.post(5)
	intent := f.intent(5)
	if _, err := f.led.PostIntent(intent, f.sign(intent), f.spec()); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("equal nonce must be stale, got %v", err)
	}
	intent = f.intent(3)
	if _, err := f.led.PostIntent(intent, f.sign(intent), f.spec()); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("lower nonce must be stale, got %v", err)
	}
	f.post(6)
}

func TestPostIntentRejectsDisorderedParticipants(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	intent.Participants = []common.Address{intent.Participants[1], intent.Participants[0]}
	sig := f.sign(intent)
	if _, err := f.led.PostIntent(intent, sig, f.spec()); !errors.Is(err, typeddata.ErrMalformedParticipants) {
		t.Fatalf("expected ErrMalformedParticipants, got %v", err)
	}
}

func TestPostIntentRejectsSignerOutsideParticipants(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	intent.Participants = []common.Address{f.workerAddr()}
	sig := f.sign(intent)
	if _, err := f.led.PostIntent(intent, sig, f.spec()); !errors.Is(err, ErrSignerNotEligible) {
		t.Fatalf("expected ErrSignerNotEligible, got %v", err)
	}
}

func TestPostIntentRejectsPayloadMismatch(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	sig := f.sign(intent)
	spec := f.spec()
	spec.Budget = big.NewInt(999)
	if _, err := f.led.PostIntent(intent, sig, spec); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestPostIntentRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	sig, err := typeddata.SignIntent(intent, f.led.Domain(), f.worker)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := f.led.PostIntent(intent, sig, f.spec()); !errors.Is(err, typeddata.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	// Nothing was persisted by the rejected post.
	if got := f.led.NonceOf(f.requesterAddr()); got != 0 {
		t.Fatalf("nonce must not advance on rejection, got %d", got)
	}
}

func TestSettleMovesFundsAndIsFinal(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(5000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	hash, intent := f.post(1)
	acc := f.acceptance(hash)

	txID, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(800), common.HexToHash("0x0c"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if txID == "" {
		t.Fatal("expected a settlement tx id")
	}
	if got := f.led.BalanceOf(f.requesterAddr()); got.Cmp(big.NewInt(4200)) != 0 {
		t.Fatalf("requester balance = %s, want 4200", got)
	}
	if got := f.led.BalanceOf(f.workerAddr()); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("worker balance = %s, want 800", got)
	}
	if got := f.led.GetIntentStatus(hash); got != models.IntentStatusExecuted {
		t.Fatalf("expected Executed, got %s", got)
	}

	// Any retry for the same intent is rejected and moves nothing.
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(100), common.Hash{}); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if got := f.led.BalanceOf(f.workerAddr()); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("retry must not pay again, balance = %s", got)
	}
}

func TestSettleRejectsBudgetOverrun(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(5000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	hash, intent := f.post(1)
	acc := f.acceptance(hash)
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(1001), common.Hash{}); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestSettleRejectsInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	hash, intent := f.post(1)
	acc := f.acceptance(hash)
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(800), common.Hash{}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.led.GetIntentStatus(hash); got != models.IntentStatusProposed {
		t.Fatalf("rejected settle must leave Proposed, got %s", got)
	}
}

func TestSettleRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(5000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	hash, intent := f.post(1)

	outsider, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	acc := models.Acceptance{
		IntentHash:     hash,
		Participant:    crypto.PubkeyToAddress(outsider.PublicKey),
		Nonce:          1,
		Expiry:         f.now + 3600,
		ConditionsHash: common.HexToHash("0x07"),
	}
	signed, err := typeddata.SignAcceptance(acc, f.led.Domain(), outsider)
	if err != nil {
		t.Fatalf("sign acceptance: %v", err)
	}
	if _, err := f.led.SettleJobWithAgent(intent, signed, acc.Participant, big.NewInt(100), common.Hash{}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestSettleRejectsAcceptanceForOtherIntent(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(5000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	_, intent := f.post(1)
	acc := f.acceptance(common.HexToHash("0xdead"))
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(100), common.Hash{}); !errors.Is(err, ErrAcceptanceMismatch) {
		t.Fatalf("expected ErrAcceptanceMismatch, got %v", err)
	}
}

func TestSettleRejectsAfterIntentExpiry(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(5000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	hash, intent := f.post(1)
	acc := f.acceptance(hash)

	f.now = intent.Expiry
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(800), common.Hash{}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if got := f.led.GetIntentStatus(hash); got != models.IntentStatusExpired {
		t.Fatalf("expected computed Expired status, got %s", got)
	}
}

func TestSettleRejectsUnknownIntent(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(1)
	acc := f.acceptance(common.HexToHash("0x01"))
	if _, err := f.led.SettleJobWithAgent(intent, acc, f.workerAddr(), big.NewInt(1), common.Hash{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	if err := f.led.Deposit(f.requesterAddr(), big.NewInt(0)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("zero deposit must fail, got %v", err)
	}
	if err := f.led.Deposit(f.requesterAddr(), nil); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("nil deposit must fail, got %v", err)
	}
}

func TestGetIntentReturnsClone(t *testing.T) {
	f := newFixture(t)
	hash, _ := f.post(1)
	got, err := f.led.GetIntent(hash)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	got.Participants[0] = common.HexToAddress("0xdead")
	again, err := f.led.GetIntent(hash)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if again.Participants[0] == common.HexToAddress("0xdead") {
		t.Fatal("stored intent must not share participant backing array")
	}
}
