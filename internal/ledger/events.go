package ledger

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/pkg/models"
)

const (
	EventIntentPosted = "ledger.intent_posted"
	EventSettled      = "ledger.settled"
)

// IntentPosted is the payload emitted when a record enters Proposed.
type IntentPosted struct {
	IntentHash common.Hash
	Requester  common.Address
	Spec       models.JobSpec
}

// Settled is the payload emitted when a record enters Executed.
type Settled struct {
	IntentHash  common.Hash
	Participant common.Address
	AmountPaid  *big.Int
	LogRootHash common.Hash
	TxID        string
}

type Event struct {
	Seq       int64
	Kind      string
	Payload   any
	Timestamp time.Time
}

// EventFeed is a seq-numbered notification stream with bounded history.
// Subscribers replay from a sequence number before going live, so a restarted
// consumer does not lose intents that were posted while it was down.
type EventFeed struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewEventFeed(limit int) *EventFeed {
	if limit < 1 {
		limit = 1
	}
	return &EventFeed{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (f *EventFeed) Publish(kind string, payload any) Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSeq++
	event := Event{
		Seq:       f.nextSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	f.history = append(f.history, event)
	if len(f.history) > f.limit {
		f.history = append([]Event(nil), f.history[len(f.history)-f.limit:]...)
	}

	for id, ch := range f.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(f.subs, id)
		}
	}

	return event
}

// Subscribe returns the retained events after fromSeq, a live channel and a
// cancel func. A subscriber that cannot keep up is dropped, not blocked on.
func (f *EventFeed) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range f.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := f.nextSub
	f.nextSub++
	ch := make(chan Event, 128)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			close(sub)
			delete(f.subs, id)
		}
	}
	return replay, ch, cancel
}

// Head returns the sequence number of the most recent event.
func (f *EventFeed) Head() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}
