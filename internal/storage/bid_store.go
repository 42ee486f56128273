package storage

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"jobmesh/go-backend/pkg/models"
)

var ErrBidNotFound = errors.New("bid not found")

// BidStore holds bid attestations keyed by intent hash. One live bid per
// (intent, worker): a worker bidding again replaces its previous quote
// instead of appending, which closes the duplicate-bid gap at the store.
type BidStore struct {
	mu     sync.RWMutex
	bids   map[common.Hash]map[string]models.Bid
	byWork map[common.Hash]map[common.Address]string
	path   string
	secret string
}

func NewBidStore() *BidStore {
	return &BidStore{
		bids:   make(map[common.Hash]map[string]models.Bid),
		byWork: make(map[common.Hash]map[common.Address]string),
	}
}

func NewPersistentBidStore(path, passphrase string) (*BidStore, error) {
	s := NewBidStore()
	s.path = path
	s.secret = passphrase
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put stores a bid, assigning an ID when empty. An existing bid from the
// same worker for the same intent is replaced.
func (s *BidStore) Put(bid models.Bid) (models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bid.ID == "" {
		id, err := newBidID()
		if err != nil {
			return models.Bid{}, err
		}
		bid.ID = id
	}
	if bid.Status == "" {
		bid.Status = models.BidStatusSubmitted
	}
	if bid.ReceivedAt.IsZero() {
		bid.ReceivedAt = time.Now().UTC()
	}

	nextBids := s.cloneBidsLocked()
	nextByWork := s.cloneWorkIndexLocked()
	perIntent := nextBids[bid.IntentHash]
	if perIntent == nil {
		perIntent = make(map[string]models.Bid)
		nextBids[bid.IntentHash] = perIntent
	}
	workers := nextByWork[bid.IntentHash]
	if workers == nil {
		workers = make(map[common.Address]string)
		nextByWork[bid.IntentHash] = workers
	}
	if previousID, ok := workers[bid.Worker]; ok {
		delete(perIntent, previousID)
	}
	perIntent[bid.ID] = bid
	workers[bid.Worker] = bid.ID

	if err := s.persistSnapshotLocked(nextBids); err != nil {
		return models.Bid{}, err
	}
	s.bids = nextBids
	s.byWork = nextByWork
	return bid, nil
}

func (s *BidStore) Get(intentHash common.Hash, bidID string) (models.Bid, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bid, ok := s.bids[intentHash][bidID]
	return bid, ok
}

// ListByIntent returns all live bids for an intent, oldest first.
func (s *BidStore) ListByIntent(intentHash common.Hash) []models.Bid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bid, 0, len(s.bids[intentHash]))
	for _, bid := range s.bids[intentHash] {
		out = append(out, bid)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// SetStatus updates a bid's status, the only mutation bids allow.
func (s *BidStore) SetStatus(intentHash common.Hash, bidID string, status models.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bid, ok := s.bids[intentHash][bidID]
	if !ok {
		return ErrBidNotFound
	}
	bid.Status = status
	nextBids := s.cloneBidsLocked()
	nextBids[intentHash][bidID] = bid
	if err := s.persistSnapshotLocked(nextBids); err != nil {
		return err
	}
	s.bids = nextBids
	return nil
}

type bidSnapshot struct {
	Bids []models.Bid `json:"bids"`
}

func (s *BidStore) persistSnapshotLocked(bids map[common.Hash]map[string]models.Bid) error {
	if s.path == "" {
		return nil
	}
	snapshot := bidSnapshot{Bids: make([]models.Bid, 0)}
	for _, perIntent := range bids {
		for _, bid := range perIntent {
			snapshot.Bids = append(snapshot.Bids, bid)
		}
	}
	return writeSnapshot(s.path, s.secret, snapshot)
}

func (s *BidStore) load() error {
	if s.path == "" {
		return nil
	}
	var snapshot bidSnapshot
	ok, err := readSnapshot(s.path, s.secret, &snapshot)
	if err != nil || !ok {
		return err
	}
	for _, bid := range snapshot.Bids {
		perIntent := s.bids[bid.IntentHash]
		if perIntent == nil {
			perIntent = make(map[string]models.Bid)
			s.bids[bid.IntentHash] = perIntent
		}
		workers := s.byWork[bid.IntentHash]
		if workers == nil {
			workers = make(map[common.Address]string)
			s.byWork[bid.IntentHash] = workers
		}
		perIntent[bid.ID] = bid
		workers[bid.Worker] = bid.ID
	}
	return nil
}

func (s *BidStore) cloneBidsLocked() map[common.Hash]map[string]models.Bid {
	out := make(map[common.Hash]map[string]models.Bid, len(s.bids)+1)
	for hash, perIntent := range s.bids {
		inner := make(map[string]models.Bid, len(perIntent)+1)
		for id, bid := range perIntent {
			inner[id] = bid
		}
		out[hash] = inner
	}
	return out
}

func (s *BidStore) cloneWorkIndexLocked() map[common.Hash]map[common.Address]string {
	out := make(map[common.Hash]map[common.Address]string, len(s.byWork)+1)
	for hash, workers := range s.byWork {
		inner := make(map[common.Address]string, len(workers)+1)
		for worker, id := range workers {
			inner[worker] = id
		}
		out[hash] = inner
	}
	return out
}

func newBidID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}
