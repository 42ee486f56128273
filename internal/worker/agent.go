package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/identity"
	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

const componentName = "worker"

// Policy decides which job notices this agent bids on and how it prices.
type Policy struct {
	Topics        []string
	MinBudget     *big.Int
	QuoteBps      int64
	ETASeconds    int64
	AcceptanceTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		QuoteBps:      8000,
		ETASeconds:    3600,
		AcceptanceTTL: 24 * time.Hour,
	}
}

// Agent is one worker on the coordination bus: it evaluates job notices,
// signs bid attestations and watches for vault capability notices naming
// its own identity.
type Agent struct {
	signer *identity.Signer
	node   *bus.Node
	domain typeddata.Domain
	policy Policy
	logger *slog.Logger

	mu        sync.Mutex
	nextNonce uint64
	seen      map[common.Hash]struct{}
	vaults    map[common.Hash]models.VaultBinding
}

func NewAgent(signer *identity.Signer, node *bus.Node, domain typeddata.Domain, policy Policy, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.QuoteBps <= 0 || policy.QuoteBps > 10000 {
		policy.QuoteBps = DefaultPolicy().QuoteBps
	}
	if policy.AcceptanceTTL <= 0 {
		policy.AcceptanceTTL = DefaultPolicy().AcceptanceTTL
	}
	return &Agent{
		signer: signer,
		node:   node,
		domain: domain,
		policy: policy,
		logger: logger,
		seen:   make(map[common.Hash]struct{}),
		vaults: make(map[common.Hash]models.VaultBinding),
	}
}

// Start subscribes the agent to the bus.
func (a *Agent) Start(ctx context.Context) error {
	return a.node.Subscribe(func(env bus.Envelope) error {
		return a.handle(ctx, env)
	})
}

// Vault returns the custody binding granted for an intent, if any.
func (a *Agent) Vault(intentHash common.Hash) (models.VaultBinding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vault, ok := a.vaults[intentHash]
	return vault, ok
}

func (a *Agent) handle(ctx context.Context, env bus.Envelope) error {
	switch env.Type {
	case bus.KindJobPosted:
		return a.handleJobPosted(ctx, env)
	case bus.KindVaultAccessGranted:
		return a.handleVaultAccess(env)
	case bus.KindBidSubmitted:
		// Other workers' bids are not this agent's business.
		return nil
	default:
		return nil
	}
}

func (a *Agent) handleJobPosted(ctx context.Context, env bus.Envelope) error {
	data, err := bus.DecodeJobPosted(env)
	if err != nil {
		return err
	}
	if !a.markSeen(data.IntentHash) {
		// At-least-once delivery; one bid per notice is enough.
		return nil
	}
	if !a.wantsJob(data) {
		return nil
	}

	now := time.Now().UTC()
	quote := models.Quote{
		Price:      priceFromBudget(data.Intent.Budget(), a.policy.QuoteBps),
		ETASeconds: a.policy.ETASeconds,
	}
	acceptance := models.Acceptance{
		IntentHash:     data.IntentHash,
		Participant:    a.signer.Address(),
		Nonce:          a.takeNonce(),
		Expiry:         now.Add(a.policy.AcceptanceTTL).Unix(),
		ConditionsHash: hashQuote(quote),
	}
	acceptance, err = a.signer.SignAcceptance(acceptance, a.domain)
	if err != nil {
		return err
	}

	bidEnv, err := bus.NewBidSubmitted(a.signer.ID(), bus.BidSubmittedData{
		IntentHash:    data.IntentHash,
		WorkerID:      a.signer.ID(),
		WorkerAddress: a.signer.Address(),
		Acceptance:    acceptance,
		Quote:         quote,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}
	if err := a.node.Publish(ctx, bidEnv); err != nil {
		return err
	}
	a.logger.Info("bid submitted",
		"component", componentName,
		"operation", "bid_submitted",
		"intent_hash", data.IntentHash.Hex(),
		"price", quote.Price.String())
	return nil
}

func (a *Agent) handleVaultAccess(env bus.Envelope) error {
	data, err := bus.DecodeVaultAccessGranted(env)
	if err != nil {
		return err
	}
	if data.WorkerID != a.signer.ID() {
		// Capability notice for someone else.
		return nil
	}
	a.mu.Lock()
	a.vaults[data.IntentHash] = models.VaultBinding{
		Address:    data.VaultAddress,
		Credential: data.VaultCredential,
	}
	a.mu.Unlock()
	a.logger.Info("vault access received",
		"component", componentName,
		"operation", "vault_access_granted",
		"intent_hash", data.IntentHash.Hex(),
		"vault_address", data.VaultAddress)
	return nil
}

func (a *Agent) wantsJob(data bus.JobPostedData) bool {
	if !data.Intent.HasParticipant(a.signer.Address()) {
		return false
	}
	if data.Intent.Expiry <= time.Now().Unix() {
		return false
	}
	if a.policy.MinBudget != nil && data.Intent.Budget().Cmp(a.policy.MinBudget) < 0 {
		return false
	}
	if len(a.policy.Topics) == 0 {
		return true
	}
	for _, topic := range a.policy.Topics {
		if topic == data.Spec.Topic {
			return true
		}
	}
	return false
}

func (a *Agent) markSeen(intentHash common.Hash) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[intentHash]; ok {
		return false
	}
	a.seen[intentHash] = struct{}{}
	return true
}

func (a *Agent) takeNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextNonce++
	return a.nextNonce
}

func priceFromBudget(budget *big.Int, bps int64) *big.Int {
	price := new(big.Int).Mul(budget, big.NewInt(bps))
	return price.Div(price, big.NewInt(10000))
}

func hashQuote(quote models.Quote) common.Hash {
	raw, err := json.Marshal(quote)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(raw)
}
