package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/bus"
	"jobmesh/go-backend/internal/ledger"
)

const componentName = "bridge"

// Bridge watches the ledger feed and fans freshly-posted intents out on the
// coordination bus. On start it replays everything after StartSeq before
// switching to live events, so a restart does not lose intents.
type Bridge struct {
	ledger        *ledger.Ledger
	node          *bus.Node
	startSeq      int64
	networkID     uint64
	ledgerAddress common.Address
}

type Config struct {
	StartSeq      int64
	NetworkID     uint64
	LedgerAddress common.Address
}

func New(l *ledger.Ledger, node *bus.Node, cfg Config) *Bridge {
	return &Bridge{
		ledger:        l,
		node:          node,
		startSeq:      cfg.StartSeq,
		networkID:     cfg.NetworkID,
		ledgerAddress: cfg.LedgerAddress,
	}
}

// Run blocks until ctx is cancelled. Event order within the feed is
// preserved; a single failed hydration or publish is logged and skipped so
// one bad event cannot stall the stream.
func (b *Bridge) Run(ctx context.Context) error {
	replay, live, cancel := b.ledger.Feed().Subscribe(b.startSeq)
	defer func() { cancel() }()

	slog.Info("bridge replaying ledger history",
		"component", componentName,
		"from_seq", b.startSeq,
		"replay_count", len(replay))
	for _, event := range replay {
		b.handle(ctx, event)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-live:
			if !ok {
				// Dropped by the feed for falling behind; resubscribe from
				// where the history left off.
				replay, live, cancel = b.resubscribe()
				for _, ev := range replay {
					b.handle(ctx, ev)
				}
				continue
			}
			b.handle(ctx, event)
		}
	}
}

func (b *Bridge) resubscribe() ([]ledger.Event, <-chan ledger.Event, func()) {
	slog.Warn("bridge fell behind the feed, resubscribing", "component", componentName)
	return b.ledger.Feed().Subscribe(b.startSeq)
}

func (b *Bridge) handle(ctx context.Context, event ledger.Event) {
	if event.Kind != ledger.EventIntentPosted {
		return
	}
	posted, ok := event.Payload.(ledger.IntentPosted)
	if !ok {
		slog.Warn("bridge skipping malformed feed payload",
			"component", componentName,
			"seq", event.Seq,
			"kind", event.Kind)
		return
	}
	b.startSeq = event.Seq

	// Separate read for the full intent: the exact settlement arguments are
	// recomputed from it later.
	intent, err := b.ledger.GetIntent(posted.IntentHash)
	if err != nil {
		slog.Warn("bridge failed to hydrate intent, skipping event",
			"component", componentName,
			"seq", event.Seq,
			"intent_hash", posted.IntentHash.Hex(),
			"reason", err.Error())
		return
	}

	env, err := bus.NewJobPosted(b.node.Identity(), bus.JobPostedData{
		IntentHash:    posted.IntentHash,
		Spec:          posted.Spec,
		Intent:        intent,
		NetworkID:     b.networkID,
		LedgerAddress: b.ledgerAddress,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("bridge failed to seal job notice, skipping event",
			"component", componentName,
			"seq", event.Seq,
			"reason", err.Error())
		return
	}
	if err := b.node.Publish(ctx, env); err != nil {
		slog.Warn("bridge failed to publish job notice, skipping event",
			"component", componentName,
			"seq", event.Seq,
			"intent_hash", posted.IntentHash.Hex(),
			"reason", err.Error())
		return
	}
	slog.Info("job intent forwarded to bus",
		"component", componentName,
		"operation", "job_posted",
		"seq", event.Seq,
		"intent_hash", posted.IntentHash.Hex())
}
