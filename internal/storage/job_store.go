package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jobmesh/go-backend/internal/securestore"
	"jobmesh/go-backend/pkg/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobStatusConflict = errors.New("job status conflict")
)

// JobStore is the off-chain cache of jobs keyed by intent hash. Writes are
// insert-if-absent or compare-and-swap on status, so duplicate bus notices
// and racing selectors degrade to no-ops instead of corruption.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[common.Hash]models.Job
	path   string
	secret string
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[common.Hash]models.Job)}
}

// NewPersistentJobStore loads the snapshot at path, decrypting when a
// passphrase is set.
func NewPersistentJobStore(path, passphrase string) (*JobStore, error) {
	s := &JobStore{
		jobs:   make(map[common.Hash]models.Job),
		path:   path,
		secret: passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put inserts a job if no record exists for its intent hash. A duplicate
// notice returns false with no effect.
func (s *JobStore) Put(job models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.IntentHash]; exists {
		return false, nil
	}
	if job.Status == "" {
		job.Status = models.JobStatusPosted
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	next := cloneJobsMap(s.jobs)
	next[job.IntentHash] = job
	if err := s.persistSnapshotLocked(next); err != nil {
		return false, err
	}
	s.jobs = next
	return true, nil
}

func (s *JobStore) Get(intentHash common.Hash) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[intentHash]
	return job, ok
}

// Transition applies mutate under a compare-and-swap on the job status.
// A caller that lost the race observes ErrJobStatusConflict and nothing else
// changes.
func (s *JobStore) Transition(intentHash common.Hash, from, to models.JobStatus, mutate func(*models.Job)) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[intentHash]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if job.Status != from {
		return models.Job{}, ErrJobStatusConflict
	}
	if mutate != nil {
		mutate(&job)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	next := cloneJobsMap(s.jobs)
	next[intentHash] = job
	if err := s.persistSnapshotLocked(next); err != nil {
		return models.Job{}, err
	}
	s.jobs = next
	return job, nil
}

func (s *JobStore) ListByStatus(status models.JobStatus) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out
}

// ListExpired returns posted jobs whose intent expiry has passed. Nothing
// reaps them; this is the operator's view of permanently dangling intents.
func (s *JobStore) ListExpired(now time.Time) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPosted && job.Intent.Expiry <= now.Unix() {
			out = append(out, job)
		}
	}
	return out
}

type jobSnapshot struct {
	Jobs []models.Job `json:"jobs"`
}

func (s *JobStore) persistSnapshotLocked(jobs map[common.Hash]models.Job) error {
	if s.path == "" {
		return nil
	}
	snapshot := jobSnapshot{Jobs: make([]models.Job, 0, len(jobs))}
	for _, job := range jobs {
		snapshot.Jobs = append(snapshot.Jobs, job)
	}
	return writeSnapshot(s.path, s.secret, snapshot)
}

func (s *JobStore) load() error {
	if s.path == "" {
		return nil
	}
	var snapshot jobSnapshot
	ok, err := readSnapshot(s.path, s.secret, &snapshot)
	if err != nil || !ok {
		return err
	}
	for _, job := range snapshot.Jobs {
		s.jobs[job.IntentHash] = job
	}
	return nil
}

func cloneJobsMap(in map[common.Hash]models.Job) map[common.Hash]models.Job {
	out := make(map[common.Hash]models.Job, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// used by both stores

func writeSnapshot(path, secret string, v any) error {
	if secret != "" {
		return securestore.WriteEncryptedJSON(path, secret, v)
	}
	return securestore.WritePlainJSON(path, v)
}

func readSnapshot(path, secret string, v any) (bool, error) {
	if secret != "" {
		return securestore.ReadDecryptedJSON(path, secret, v)
	}
	return securestore.ReadPlainJSON(path, v)
}
