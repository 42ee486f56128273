package worker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/identity"
	"jobmesh/go-backend/internal/typeddata"
	"jobmesh/go-backend/pkg/models"
)

type busRecorder struct {
	mu   sync.Mutex
	bids []bus.BidSubmittedData
}

func (r *busRecorder) handler() bus.Handler {
	return func(env bus.Envelope) error {
		if env.Type != bus.KindBidSubmitted {
			return nil
		}
		data, err := bus.DecodeBidSubmitted(env)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.bids = append(r.bids, data)
		r.mu.Unlock()
		return nil
	}
}

func (r *busRecorder) bidsFor(intentHash common.Hash) []bus.BidSubmittedData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.BidSubmittedData, 0)
	for _, bid := range r.bids {
		if bid.IntentHash == intentHash {
			out = append(out, bid)
		}
	}
	return out
}

type agentHarness struct {
	t        *testing.T
	signer   *identity.Signer
	node     *bus.Node
	agent    *Agent
	recorder *busRecorder
	domain   typeddata.Domain
}

func newAgentHarness(t *testing.T, policy Policy) *agentHarness {
	t.Helper()
	signer, err := identity.NewSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	domain := typeddata.Domain{Name: "jobmesh", Version: "1", ChainID: 1}

	node := bus.NewNode(bus.DefaultConfig())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	node.SetIdentity(signer.ID())

	recorder := &busRecorder{}
	if err := node.Subscribe(recorder.handler()); err != nil {
		t.Fatalf("subscribe recorder: %v", err)
	}

	agent := NewAgent(signer, node, domain, policy, nil)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	return &agentHarness{t: t, signer: signer, node: node, agent: agent, recorder: recorder, domain: domain}
}

func (h *agentHarness) postJob(intentHash common.Hash, mutate func(*bus.JobPostedData)) {
	h.t.Helper()
	data := bus.JobPostedData{
		IntentHash: intentHash,
		Spec: models.JobSpec{
			Topic:          "render",
			ContentLocator: "ipfs://bafyjob",
			Budget:         big.NewInt(1000),
			Deadline:       time.Now().Add(time.Hour).Unix(),
		},
		Intent: models.Intent{
			PayloadHash:       common.HexToHash("0x02"),
			Expiry:            time.Now().Add(time.Hour).Unix(),
			Nonce:             1,
			Signer:            common.HexToAddress("0x11"),
			CoordinationType:  "job.posting",
			CoordinationValue: big.NewInt(1000),
			Participants:      []common.Address{h.signer.Address()},
		},
		NetworkID: 1,
		Timestamp: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(&data)
	}
	env, err := bus.NewJobPosted("requester-1", data)
	if err != nil {
		h.t.Fatalf("seal envelope: %v", err)
	}
	if err := h.node.Publish(context.Background(), env); err != nil {
		h.t.Fatalf("publish job: %v", err)
	}
}

func (h *agentHarness) waitForBids(intentHash common.Hash, want int) []bus.BidSubmittedData {
	h.t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		bids := h.recorder.bidsFor(intentHash)
		if len(bids) >= want {
			return bids
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %d bids, have %d", want, len(bids))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentBidsOnEligibleJob(t *testing.T) {
	h := newAgentHarness(t, DefaultPolicy())
	intentHash := common.HexToHash("0x0101")

	h.postJob(intentHash, nil)
	bids := h.waitForBids(intentHash, 1)

	bid := bids[0]
	if bid.WorkerAddress != h.signer.Address() || bid.WorkerID != h.signer.ID() {
		t.Fatalf("bid carries wrong identity: %+v", bid)
	}
	// 8000 bps of a 1000 budget.
	if bid.Quote.Price.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("quote price = %s, want 800", bid.Quote.Price)
	}
	if bid.Acceptance.IntentHash != intentHash {
		t.Fatal("acceptance must bind the intent hash")
	}
	digest := typeddata.Digest(typeddata.HashAcceptance(bid.Acceptance), h.domain)
	if err := typeddata.VerifySigner(digest, bid.Acceptance.Signature, h.signer.Address()); err != nil {
		t.Fatalf("acceptance signature must verify: %v", err)
	}
}

func TestAgentBidsOncePerIntent(t *testing.T) {
	h := newAgentHarness(t, DefaultPolicy())
	intentHash := common.HexToHash("0x0102")

	h.postJob(intentHash, nil)
	h.postJob(intentHash, nil)
	time.Sleep(50 * time.Millisecond)

	if got := len(h.recorder.bidsFor(intentHash)); got != 1 {
		t.Fatalf("redelivered notice must not produce a second bid, got %d", got)
	}
}

func TestAgentSkipsJobsOutsidePolicy(t *testing.T) {
	policy := DefaultPolicy()
	policy.Topics = []string{"render"}
	policy.MinBudget = big.NewInt(500)
	h := newAgentHarness(t, policy)

	notParticipant := common.HexToHash("0x0103")
	h.postJob(notParticipant, func(d *bus.JobPostedData) {
		d.Intent.Participants = []common.Address{common.HexToAddress("0x99")}
	})

	wrongTopic := common.HexToHash("0x0104")
	h.postJob(wrongTopic, func(d *bus.JobPostedData) {
		d.Spec.Topic = "transcode"
	})

	lowBudget := common.HexToHash("0x0105")
	h.postJob(lowBudget, func(d *bus.JobPostedData) {
		d.Intent.CoordinationValue = big.NewInt(100)
	})

	expired := common.HexToHash("0x0106")
	h.postJob(expired, func(d *bus.JobPostedData) {
		d.Intent.Expiry = time.Now().Add(-time.Minute).Unix()
	})

	eligible := common.HexToHash("0x0107")
	h.postJob(eligible, nil)
	h.waitForBids(eligible, 1)

	for _, hash := range []common.Hash{notParticipant, wrongTopic, lowBudget, expired} {
		if got := len(h.recorder.bidsFor(hash)); got != 0 {
			t.Fatalf("agent must not bid on %s, got %d bids", hash, got)
		}
	}
}

func TestAgentStoresOwnVaultGrantOnly(t *testing.T) {
	h := newAgentHarness(t, DefaultPolicy())
	intentHash := common.HexToHash("0x0108")

	foreign, err := bus.NewVaultAccessGranted("orchestrator", bus.VaultAccessGrantedData{
		IntentHash:      intentHash,
		WorkerID:        "0xSomeoneElse",
		VaultAddress:    "0xVaultX",
		VaultCredential: []byte{9},
	})
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	if err := h.node.Publish(context.Background(), foreign); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	own, err := bus.NewVaultAccessGranted("orchestrator", bus.VaultAccessGrantedData{
		IntentHash:      intentHash,
		WorkerID:        h.signer.ID(),
		VaultAddress:    "0xVaultY",
		VaultCredential: []byte{1, 2},
	})
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	if err := h.node.Publish(context.Background(), own); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		vault, ok := h.agent.Vault(intentHash)
		if ok {
			if vault.Address != "0xVaultY" || len(vault.Credential) != 2 {
				t.Fatalf("stored the wrong grant: %+v", vault)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for vault grant")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPriceFromBudget(t *testing.T) {
	if got := priceFromBudget(big.NewInt(1000), 8000); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("price = %s, want 800", got)
	}
	if got := priceFromBudget(big.NewInt(3), 5000); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("price = %s, want 1 (floor division)", got)
	}
	if got := priceFromBudget(big.NewInt(0), 8000); got.Sign() != 0 {
		t.Fatalf("zero budget must price at zero, got %s", got)
	}
}
