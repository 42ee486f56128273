package ledger

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

var (
	ErrExpired            = errors.New("intent or acceptance has expired")
	ErrStaleNonce         = errors.New("nonce replays or precedes the stored nonce")
	ErrSignerNotEligible  = errors.New("signer is not among the participants")
	ErrPayloadMismatch    = errors.New("job spec does not hash to the intent payload")
	ErrAlreadyExists      = errors.New("intent record already exists")
	ErrNotFound           = errors.New("intent record not found")
	ErrAlreadySettled     = errors.New("intent record is already in a terminal state")
	ErrAcceptanceMismatch = errors.New("acceptance does not reference this intent")
	ErrNotParticipant     = errors.New("acceptance participant is not in the intent")
	ErrBudgetExceeded     = errors.New("amount exceeds the intent budget")
	ErrInsufficientFunds  = errors.New("held balance is below the settlement amount")
	ErrTransferFailed     = errors.New("settlement transfer failed")
)

// IntentRecord is the ledger-owned state for one accepted intent.
type IntentRecord struct {
	Status       models.IntentStatus
	Proposer     common.Address
	Budget       *big.Int
	PaymentAsset string
}

// Ledger is the authoritative state machine for intents and settlement. All
// verification happens before any mutation, so every rejected call leaves
// the ledger exactly as it was.
type Ledger struct {
	mu           sync.Mutex
	domain       typeddata.Domain
	paymentAsset string
	records      map[common.Hash]*IntentRecord
	intents      map[common.Hash]models.Intent
	nonces       map[common.Address]uint64
	balances     map[common.Address]*big.Int
	feed         *EventFeed
	now          func() time.Time
}

func New(domain typeddata.Domain, feedLimit int) *Ledger {
	return newLedgerWithClock(domain, feedLimit, time.Now)
}

func newLedgerWithClock(domain typeddata.Domain, feedLimit int, now func() time.Time) *Ledger {
	return &Ledger{
		domain:       domain,
		paymentAsset: "native",
		records:      make(map[common.Hash]*IntentRecord),
		intents:      make(map[common.Hash]models.Intent),
		nonces:       make(map[common.Address]uint64),
		balances:     make(map[common.Address]*big.Int),
		feed:         NewEventFeed(feedLimit),
		now:          now,
	}
}

// Domain returns the signing domain this ledger verifies against.
func (l *Ledger) Domain() typeddata.Domain {
	return l.domain
}

// Feed exposes the notification stream consumed by the event bridge.
func (l *Ledger) Feed() *EventFeed {
	return l.feed
}

// Deposit adds funds to an account's held balance.
func (l *Ledger) Deposit(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrTransferFailed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(account, amount)
	return nil
}

// BalanceOf returns the held balance for an account.
func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// NonceOf returns the last accepted nonce for a signer. A fresh intent must
// carry a strictly greater nonce.
func (l *Ledger) NonceOf(signer common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[signer]
}

// PostIntent verifies and records a signed intent. The job spec must hash to
// the intent's payload hash so the off-chain description is bound immutably
// to what was signed. Identical logical intents collide on the intent hash,
// which makes posting idempotent by construction.
func (l *Ledger) PostIntent(intent models.Intent, signature []byte, spec models.JobSpec) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if intent.Expiry <= l.now().Unix() {
		return common.Hash{}, ErrExpired
	}
	if intent.Nonce <= l.nonces[intent.Signer] {
		return common.Hash{}, ErrStaleNonce
	}
	if err := typeddata.CheckParticipants(intent.Participants); err != nil {
		return common.Hash{}, err
	}
	if !intent.HasParticipant(intent.Signer) {
		return common.Hash{}, ErrSignerNotEligible
	}
	payloadHash, err := typeddata.HashJobSpec(spec)
	if err != nil {
		return common.Hash{}, err
	}
	if payloadHash != intent.PayloadHash {
		return common.Hash{}, ErrPayloadMismatch
	}
	intentHash, err := typeddata.HashIntent(intent)
	if err != nil {
		return common.Hash{}, err
	}
	if _, exists := l.records[intentHash]; exists {
		return common.Hash{}, ErrAlreadyExists
	}
	digest := typeddata.Digest(intentHash, l.domain)
	if err := typeddata.VerifySigner(digest, signature, intent.Signer); err != nil {
		return common.Hash{}, err
	}

	l.records[intentHash] = &IntentRecord{
		Status:       models.IntentStatusProposed,
		Proposer:     intent.Signer,
		Budget:       intent.Budget(),
		PaymentAsset: l.paymentAsset,
	}
	l.intents[intentHash] = cloneIntent(intent)
	l.nonces[intent.Signer] = intent.Nonce
	l.feed.Publish(EventIntentPosted, IntentPosted{
		IntentHash: intentHash,
		Requester:  intent.Signer,
		Spec:       spec,
	})
	return intentHash, nil
}

// SettleJobWithAgent executes the single irreversible payment for an intent.
// The Executed status transition is the final guard against double payment:
// once one settlement succeeds, every later call for the same intent hash is
// rejected regardless of amount or payout target.
func (l *Ledger) SettleJobWithAgent(intent models.Intent, acceptance models.Acceptance, payout common.Address, amount *big.Int, logRootHash common.Hash) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	intentHash, err := typeddata.HashIntent(intent)
	if err != nil {
		return "", err
	}
	record, ok := l.records[intentHash]
	if !ok {
		return "", ErrNotFound
	}
	if record.Status.Terminal() {
		return "", ErrAlreadySettled
	}
	now := l.now().Unix()
	if intent.Expiry <= now {
		return "", ErrExpired
	}
	if acceptance.IntentHash != intentHash {
		return "", ErrAcceptanceMismatch
	}
	if acceptance.Expiry <= now {
		return "", ErrExpired
	}
	if !intent.HasParticipant(acceptance.Participant) {
		return "", ErrNotParticipant
	}
	digest := typeddata.Digest(typeddata.HashAcceptance(acceptance), l.domain)
	if err := typeddata.VerifySigner(digest, acceptance.Signature, acceptance.Participant); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrTransferFailed
	}
	if amount.Cmp(record.Budget) > 0 {
		return "", ErrBudgetExceeded
	}
	held, ok := l.balances[record.Proposer]
	if !ok || held.Cmp(amount) < 0 {
		return "", ErrInsufficientFunds
	}

	held.Sub(held, amount)
	l.creditLocked(payout, amount)
	record.Status = models.IntentStatusExecuted

	txID := settlementTxID(intentHash, l.feed.Head()+1)
	l.feed.Publish(EventSettled, Settled{
		IntentHash:  intentHash,
		Participant: acceptance.Participant,
		AmountPaid:  new(big.Int).Set(amount),
		LogRootHash: logRootHash,
		TxID:        txID,
	})
	return txID, nil
}

// GetIntent returns the stored intent for a hash.
func (l *Ledger) GetIntent(intentHash common.Hash) (models.Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	intent, ok := l.intents[intentHash]
	if !ok {
		return models.Intent{}, ErrNotFound
	}
	return cloneIntent(intent), nil
}

// GetIntentStatus returns the record status. A Proposed record past its
// expiry reports Expired; the transition is computed, never stored, so the
// record itself lingers in Proposed.
func (l *Ledger) GetIntentStatus(intentHash common.Hash) models.IntentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[intentHash]
	if !ok {
		return models.IntentStatusNone
	}
	if record.Status == models.IntentStatusProposed {
		if intent, ok := l.intents[intentHash]; ok && intent.Expiry <= l.now().Unix() {
			return models.IntentStatusExpired
		}
	}
	return record.Status
}

func (l *Ledger) creditLocked(account common.Address, amount *big.Int) {
	bal, ok := l.balances[account]
	if !ok {
		bal = new(big.Int)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func cloneIntent(in models.Intent) models.Intent {
	out := in
	out.CoordinationValue = in.Budget()
	out.Participants = append([]common.Address(nil), in.Participants...)
	return out
}

func settlementTxID(intentHash common.Hash, seq int64) string {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
	return crypto.Keccak256Hash(intentHash.Bytes(), seqBytes[:]).Hex()
}
