package coordinator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/storage"
	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

const componentName = "coordinator"

var (
	ErrUnknownJob          = errors.New("bid references an unknown job")
	ErrAcceptanceUnbound   = errors.New("acceptance does not reference the bid's intent")
	ErrBidNotParticipant   = errors.New("bidder is not an intent participant")
	ErrBidSignatureInvalid = errors.New("bid acceptance signature is invalid")
)

// Coordinator folds bus traffic into the requester-side stores. Every write
// is keyed by intent hash, so the bus's at-least-once delivery degrades to
// no-ops rather than duplicates.
type Coordinator struct {
	jobs   *storage.JobStore
	bids   *storage.BidStore
	domain typeddata.Domain
	logger *slog.Logger
}

func New(jobs *storage.JobStore, bids *storage.BidStore, domain typeddata.Domain, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{jobs: jobs, bids: bids, domain: domain, logger: logger}
}

// Handler returns the bus handler. Envelope kinds are matched exhaustively;
// unknown tags are ignored, never fatal, and one bad envelope only fails
// itself.
func (c *Coordinator) Handler() bus.Handler {
	return func(env bus.Envelope) error {
		switch env.Type {
		case bus.KindJobPosted:
			return c.handleJobPosted(env)
		case bus.KindBidSubmitted:
			return c.handleBidSubmitted(env)
		case bus.KindVaultAccessGranted:
			// Addressed to workers; the requester side only forwards these.
			return nil
		default:
			return nil
		}
	}
}

func (c *Coordinator) handleJobPosted(env bus.Envelope) error {
	data, err := bus.DecodeJobPosted(env)
	if err != nil {
		return err
	}
	inserted, err := c.jobs.Put(models.Job{
		IntentHash: data.IntentHash,
		Spec:       data.Spec,
		Intent:     data.Intent,
		Requester:  data.Intent.Signer,
		Status:     models.JobStatusPosted,
	})
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !inserted {
		return nil
	}
	c.logger.Info("job recorded",
		"component", componentName,
		"operation", "job_posted",
		"intent_hash", data.IntentHash.Hex(),
		"topic", data.Spec.Topic)
	return nil
}

func (c *Coordinator) handleBidSubmitted(env bus.Envelope) error {
	data, err := bus.DecodeBidSubmitted(env)
	if err != nil {
		return err
	}
	job, ok := c.jobs.Get(data.IntentHash)
	if !ok {
		return ErrUnknownJob
	}
	if data.Acceptance.IntentHash != data.IntentHash {
		return ErrAcceptanceUnbound
	}
	// Authenticate before storing: a bid that fails here must never become
	// selectable, not merely fail at settlement.
	if data.Acceptance.Participant != data.WorkerAddress ||
		!isParticipant(job.Intent.Participants, data.WorkerAddress) {
		return ErrBidNotParticipant
	}
	digest := typeddata.Digest(typeddata.HashAcceptance(data.Acceptance), c.domain)
	if err := typeddata.VerifySigner(digest, data.Acceptance.Signature, data.WorkerAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrBidSignatureInvalid, err)
	}
	bid, err := c.bids.Put(models.Bid{
		IntentHash: data.IntentHash,
		WorkerID:   data.WorkerID,
		Worker:     data.WorkerAddress,
		Acceptance: data.Acceptance,
		Quote:      data.Quote,
		ReceivedAt: data.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("store bid: %w", err)
	}
	c.logger.Info("bid recorded",
		"component", componentName,
		"operation", "bid_submitted",
		"intent_hash", data.IntentHash.Hex(),
		"bid_id", bid.ID,
		"worker", data.WorkerAddress.Hex())
	return nil
}

func isParticipant(list []common.Address, addr common.Address) bool {
	for _, p := range list {
		if p == addr {
			return true
		}
	}
	return false
}
