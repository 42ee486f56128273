package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/ledger"
	"jobmesh/go-backend/internal/storage"
	"jobmesh/go-backend/pkg/models"
)

const componentName = "orchestrator"

var ErrBidNotSelected = errors.New("bid is not the selected bid for this job")

// Orchestrator drives the two irreversible actions of a job's life: picking
// a bid and executing settlement. It holds no locks across the ledger call;
// the ledger's own Executed guard is the final backstop against double
// payment.
type Orchestrator struct {
	jobs        *storage.JobStore
	bids        *storage.BidStore
	ledger      *ledger.Ledger
	node        *bus.Node
	vaults      VaultProvisioner
	networkHint string
	logger      *slog.Logger
}

func New(jobs *storage.JobStore, bids *storage.BidStore, l *ledger.Ledger, node *bus.Node, vaults VaultProvisioner, networkHint string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:        jobs,
		bids:        bids,
		ledger:      l,
		node:        node,
		vaults:      vaults,
		networkHint: networkHint,
		logger:      logger,
	}
}

// SelectBid provisions a payment vault for the chosen bid, binds it to the
// job and notifies the chosen worker over the bus. It never touches the
// ledger; the selection can be revised until settlement executes.
func (o *Orchestrator) SelectBid(ctx context.Context, intentHash common.Hash, bidID string) (models.Job, error) {
	job, ok := o.jobs.Get(intentHash)
	if !ok {
		return models.Job{}, storage.ErrJobNotFound
	}
	bid, ok := o.bids.Get(intentHash, bidID)
	if !ok {
		return models.Job{}, storage.ErrBidNotFound
	}

	vault, err := o.vaults.CreateVault(ctx, o.networkHint)
	if err != nil {
		o.logWarn("select_bid", intentHash, "vault provisioning failed", "reason", err.Error())
		return models.Job{}, fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}

	previousBidID := job.SelectedBidID
	mutate := func(j *models.Job) {
		j.SelectedBidID = bid.ID
		j.Vault = &models.VaultBinding{Address: vault.Address, Credential: vault.Credential}
	}
	from := job.Status
	if from != models.JobStatusPosted && from != models.JobStatusBidSelected {
		return models.Job{}, storage.ErrJobStatusConflict
	}
	updated, err := o.jobs.Transition(intentHash, from, models.JobStatusBidSelected, mutate)
	if err != nil {
		return models.Job{}, err
	}

	if previousBidID != "" && previousBidID != bid.ID {
		if err := o.bids.SetStatus(intentHash, previousBidID, models.BidStatusSubmitted); err != nil {
			o.logWarn("select_bid", intentHash, "could not demote previous bid", "bid_id", previousBidID, "reason", err.Error())
		}
	}
	if err := o.bids.SetStatus(intentHash, bid.ID, models.BidStatusSelected); err != nil {
		return models.Job{}, err
	}

	env, err := bus.NewVaultAccessGranted(o.node.Identity(), bus.VaultAccessGrantedData{
		IntentHash:      intentHash,
		WorkerID:        bid.WorkerID,
		VaultAddress:    vault.Address,
		VaultCredential: vault.Credential,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		return models.Job{}, err
	}
	if err := o.node.Publish(ctx, env); err != nil {
		return models.Job{}, err
	}

	o.logInfo("select_bid", intentHash, "bid selected",
		"bid_id", bid.ID,
		"worker", bid.Worker.Hex())
	return updated, nil
}

// ExecuteSettlement reconstructs the exact ledger arguments from the stored
// intent and acceptance and submits the settlement. Amount defaults to the
// selected bid's quoted price; an override is bounded only by the ledger's
// budget check. A ledger rejection leaves the store unchanged and is
// surfaced with no automatic retry; re-invocation is safe because the
// ledger's Executed guard rejects a second payment.
func (o *Orchestrator) ExecuteSettlement(ctx context.Context, intentHash common.Hash, bidID string, logRootHash common.Hash, amountOverride *big.Int) (string, error) {
	job, ok := o.jobs.Get(intentHash)
	if !ok {
		return "", storage.ErrJobNotFound
	}
	bid, ok := o.bids.Get(intentHash, bidID)
	if !ok {
		return "", storage.ErrBidNotFound
	}
	if job.Status != models.JobStatusBidSelected || job.SelectedBidID != bidID {
		return "", ErrBidNotSelected
	}

	amount := amountOverride
	if amount == nil {
		amount = bid.Quote.Price
	}

	txID, err := o.ledger.SettleJobWithAgent(job.Intent, bid.Acceptance, bid.Worker, amount, logRootHash)
	if err != nil {
		o.logWarn("execute_settlement", intentHash, "ledger rejected settlement",
			"bid_id", bidID,
			"reason", err.Error())
		return "", err
	}

	if _, err := o.jobs.Transition(intentHash, models.JobStatusBidSelected, models.JobStatusSettled, func(j *models.Job) {
		j.SettlementTxID = txID
	}); err != nil {
		// Payment went through; the store lagging behind is bookkeeping, not
		// money. Surface the tx id so ledger state can be inspected anyway.
		o.logWarn("execute_settlement", intentHash, "settled on ledger but store update failed",
			"tx_id", txID,
			"reason", err.Error())
		return txID, err
	}
	if err := o.bids.SetStatus(intentHash, bidID, models.BidStatusSettled); err != nil {
		o.logWarn("execute_settlement", intentHash, "could not mark bid settled", "bid_id", bidID, "reason", err.Error())
	}

	o.logInfo("execute_settlement", intentHash, "job settled",
		"bid_id", bidID,
		"tx_id", txID,
		"amount", amount.String())
	return txID, nil
}

// ExpiredJobs lists posted jobs whose intent expiry has passed; they can
// never settle but their records linger by design.
func (o *Orchestrator) ExpiredJobs() []models.Job {
	return o.jobs.ListExpired(time.Now())
}

func (o *Orchestrator) logInfo(operation string, intentHash common.Hash, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"intent_hash", intentHash.Hex(),
	}
	o.logger.Info(message, append(base, attrs...)...)
}

func (o *Orchestrator) logWarn(operation string, intentHash common.Hash, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"intent_hash", intentHash.Hex(),
	}
	o.logger.Warn(message, append(base, attrs...)...)
}
