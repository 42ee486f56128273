package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/pkg/models"
)

// EnvelopeVersion is bumped when the wire shape of any payload changes.
const EnvelopeVersion = 1

// Envelope kinds. The set is closed; subscribers match exhaustively and
// ignore anything else so an unknown tag is never fatal.
const (
	KindJobPosted          = "job_posted"
	KindBidSubmitted       = "bid_submitted"
	KindVaultAccessGranted = "vault_access_granted"
)

var ErrUnexpectedKind = errors.New("envelope kind does not match")

// Envelope is the tagged-variant wire format shared by every bus message.
type Envelope struct {
	Type     string          `json:"type"`
	Version  int             `json:"version"`
	SenderID string          `json:"sender_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// JobPostedData fans a freshly-posted intent out to all workers.
type JobPostedData struct {
	IntentHash    common.Hash    `json:"intent_hash"`
	Spec          models.JobSpec `json:"spec"`
	Intent        models.Intent  `json:"intent"`
	NetworkID     uint64         `json:"network_id"`
	LedgerAddress common.Address `json:"ledger_address"`
	Timestamp     time.Time      `json:"timestamp"`
}

// BidSubmittedData carries one worker's signed attestation back.
type BidSubmittedData struct {
	IntentHash    common.Hash       `json:"intent_hash"`
	WorkerID      string            `json:"worker_id"`
	WorkerAddress common.Address    `json:"worker_address"`
	Acceptance    models.Acceptance `json:"acceptance"`
	Quote         models.Quote      `json:"quote"`
	Timestamp     time.Time         `json:"timestamp"`
}

// VaultAccessGrantedData is a capability notice addressed to a single
// worker. Every other subscriber must ignore envelopes not naming its own
// identity.
type VaultAccessGrantedData struct {
	IntentHash      common.Hash `json:"intent_hash"`
	WorkerID        string      `json:"worker_id"`
	VaultAddress    string      `json:"vault_address"`
	VaultCredential []byte      `json:"vault_credential"`
	Timestamp       time.Time   `json:"timestamp"`
}

func NewJobPosted(senderID string, data JobPostedData) (Envelope, error) {
	return sealEnvelope(KindJobPosted, senderID, data)
}

func NewBidSubmitted(senderID string, data BidSubmittedData) (Envelope, error) {
	return sealEnvelope(KindBidSubmitted, senderID, data)
}

func NewVaultAccessGranted(senderID string, data VaultAccessGrantedData) (Envelope, error) {
	return sealEnvelope(KindVaultAccessGranted, senderID, data)
}

func sealEnvelope(kind, senderID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s envelope: %w", kind, err)
	}
	return Envelope{
		Type:     kind,
		Version:  EnvelopeVersion,
		SenderID: senderID,
		Data:     raw,
	}, nil
}

func DecodeJobPosted(env Envelope) (JobPostedData, error) {
	var data JobPostedData
	if env.Type != KindJobPosted {
		return data, ErrUnexpectedKind
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func DecodeBidSubmitted(env Envelope) (BidSubmittedData, error) {
	var data BidSubmittedData
	if env.Type != KindBidSubmitted {
		return data, ErrUnexpectedKind
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func DecodeVaultAccessGranted(env Envelope) (VaultAccessGrantedData, error) {
	var data VaultAccessGrantedData
	if env.Type != KindVaultAccessGranted {
		return data, ErrUnexpectedKind
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s envelope: %w", env.Type, err)
	}
	return data, nil
}
