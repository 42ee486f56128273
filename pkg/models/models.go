package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IntentStatus is the ledger-side lifecycle state of an intent record.
type IntentStatus string

const (
	IntentStatusNone      IntentStatus = "none"
	IntentStatusProposed  IntentStatus = "proposed"
	IntentStatusReady     IntentStatus = "ready"
	IntentStatusExecuted  IntentStatus = "executed"
	IntentStatusCancelled IntentStatus = "cancelled"
	IntentStatusExpired   IntentStatus = "expired"
)

// Terminal reports whether no further ledger transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusExecuted || s == IntentStatusCancelled
}

// Intent is a signed declaration that a job exists with a fixed payload and
// budget, addressed to a fixed participant set. Participants must be strictly
// ascending by address value; the ledger rejects anything else.
type Intent struct {
	PayloadHash       common.Hash      `json:"payload_hash"`
	Expiry            int64            `json:"expiry"`
	Nonce             uint64           `json:"nonce"`
	Signer            common.Address   `json:"signer"`
	CoordinationType  string           `json:"coordination_type"`
	CoordinationValue *big.Int         `json:"coordination_value"`
	Participants      []common.Address `json:"participants"`
}

// Budget is the coordination value read as a payment bound. Never nil.
func (in Intent) Budget() *big.Int {
	if in.CoordinationValue == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(in.CoordinationValue)
}

// HasParticipant reports whether addr is in the intent's participant set.
func (in Intent) HasParticipant(addr common.Address) bool {
	for _, p := range in.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// JobSpec is the off-chain job description whose hash the intent commits to.
type JobSpec struct {
	Topic          string   `json:"topic"`
	ContentLocator string   `json:"content_locator"`
	Budget         *big.Int `json:"budget"`
	Deadline       int64    `json:"deadline"`
}

// Acceptance is a worker's signed bid attestation against one intent.
type Acceptance struct {
	IntentHash     common.Hash    `json:"intent_hash"`
	Participant    common.Address `json:"participant"`
	Nonce          uint64         `json:"nonce"`
	Expiry         int64          `json:"expiry"`
	ConditionsHash common.Hash    `json:"conditions_hash"`
	Signature      []byte         `json:"signature"`
}

// Quote carries the commercial terms offered alongside an acceptance.
type Quote struct {
	Price          *big.Int `json:"price"`
	ETASeconds     int64    `json:"eta_seconds"`
	DetailsLocator string   `json:"details_locator,omitempty"`
}

type JobStatus string

const (
	JobStatusPosted      JobStatus = "posted"
	JobStatusBidSelected JobStatus = "bid_selected"
	JobStatusSettled     JobStatus = "settled"
)

// VaultBinding is the opaque custody capability attached to a job at
// selection time. The credential is forwarded, never inspected.
type VaultBinding struct {
	Address    string `json:"address"`
	Credential []byte `json:"credential"`
}

// Job is the store-owned view of a posted intent. Created on first sighting
// of the ledger event, mutated by selection and settlement, never deleted.
type Job struct {
	IntentHash     common.Hash    `json:"intent_hash"`
	Spec           JobSpec        `json:"spec"`
	Intent         Intent         `json:"intent"`
	Requester      common.Address `json:"requester"`
	Status         JobStatus      `json:"status"`
	SelectedBidID  string         `json:"selected_bid_id,omitempty"`
	Vault          *VaultBinding  `json:"vault,omitempty"`
	SettlementTxID string         `json:"settlement_tx_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type BidStatus string

const (
	BidStatusSubmitted BidStatus = "submitted"
	BidStatusSelected  BidStatus = "selected"
	BidStatusSettled   BidStatus = "settled"
)

// Bid is the store-owned record of one worker's attestation for one intent.
// Immutable except for status once stored.
type Bid struct {
	ID         string         `json:"id"`
	IntentHash common.Hash    `json:"intent_hash"`
	WorkerID   string         `json:"worker_id"`
	Worker     common.Address `json:"worker"`
	Acceptance Acceptance     `json:"acceptance"`
	Quote      Quote          `json:"quote"`
	Status     BidStatus      `json:"status"`
	ReceivedAt time.Time      `json:"received_at"`
}
