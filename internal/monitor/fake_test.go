package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/pipeline"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// fakeStore is an in-memory queue with the same claim semantics as the SQL
// store: a single mutex plays the role of the row-level compare-and-update.
type fakeStore struct {
	mu   sync.Mutex
	env  string
	jobs map[string]*queue.Job

	completeErr error // injected MarkComplete failure
}

func newFakeStore(env string) *fakeStore {
	return &fakeStore{env: env, jobs: make(map[string]*queue.Job)}
}

func (s *fakeStore) seed(id, source string, createdAt time.Time) *queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := "pdf/" + id + ".pdf"
	j := &queue.Job{
		ID:             id,
		DocumentSource: source,
		DocumentNumber: "doc-" + id,
		StatusID:       queue.StatusExtracted,
		StoragePath:    &path,
		OCRMaxAttempts: 3,
		CreatedAt:      createdAt,
	}
	s.jobs[id] = j
	return j
}

func (s *fakeStore) get(id string) queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) Env() string { return s.env }

func (s *fakeStore) NextCandidates(ctx context.Context, source string, limit int) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Job
	for _, j := range s.jobs {
		if j.StatusID != queue.StatusExtracted || j.DocumentSource != source {
			continue
		}
		if j.StoragePath == nil || j.OCRAttempts >= j.OCRMaxAttempts {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) TryClaim(ctx context.Context, jobID, workerID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.StatusID != queue.StatusExtracted {
		return nil, queue.ErrClaimLost
	}
	now := time.Now()
	j.StatusID = queue.StatusOCRInProgress
	j.OCRWorkerID = &workerID
	j.OCRStartedAt = &now
	j.OCRAttempts++
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *fakeStore) MarkComplete(ctx context.Context, jobID, workerID, fileContent, boostedContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	j := s.jobs[jobID]
	if j.StatusID != queue.StatusOCRInProgress || j.OCRWorkerID == nil || *j.OCRWorkerID != workerID {
		return queue.ErrClaimLost
	}
	now := time.Now()
	j.StatusID = queue.StatusOCRComplete
	j.FileContent = &fileContent
	j.BoostedFileContent = &boostedContent
	j.OCRCompletedAt = &now
	j.OCRError = nil
	j.UpdatedAt = now
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, jobID, workerID string, cause error) (queue.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.StatusID != queue.StatusOCRInProgress || j.OCRWorkerID == nil || *j.OCRWorkerID != workerID {
		return 0, queue.ErrClaimLost
	}
	now := time.Now()
	msg := cause.Error()
	if j.OCRAttempts >= j.OCRMaxAttempts {
		j.StatusID = queue.StatusError
	} else {
		j.StatusID = queue.StatusExtracted
	}
	j.OCRWorkerID = nil
	j.OCRError = &msg
	j.OCRLastErrorAt = &now
	j.UpdatedAt = now
	return j.StatusID, nil
}

func (s *fakeStore) ResetStaleJobs(ctx context.Context, threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	var ids []string
	for _, j := range s.jobs {
		if j.StatusID != queue.StatusOCRInProgress || j.OCRStartedAt == nil || !j.OCRStartedAt.Before(cutoff) {
			continue
		}
		msg := "Reset by health monitor"
		j.StatusID = queue.StatusExtracted
		j.OCRWorkerID = nil
		j.OCRError = &msg
		j.UpdatedAt = time.Now()
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *fakeStore) PendingCounts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range s.jobs {
		if j.StatusID == queue.StatusExtracted && j.StoragePath != nil && j.OCRAttempts < j.OCRMaxAttempts {
			counts[j.DocumentSource]++
		}
	}
	return counts, nil
}

// fakeModes pins every worker to one mode and swallows heartbeats.
type fakeModes struct {
	mode string

	mu         sync.Mutex
	heartbeats int
}

func (m *fakeModes) Mode(ctx context.Context, workerID string) (string, error) {
	return m.mode, nil
}

func (m *fakeModes) Heartbeat(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return nil
}

// fakePipeline processes jobs for one source with a scripted outcome.
type fakePipeline struct {
	source string

	mu        sync.Mutex
	calls     int
	failFor   int    // first N calls fail
	onProcess func() // runs once per Process call, before the outcome
	result    *pipeline.Result
}

func newFakePipeline(source string) *fakePipeline {
	return &fakePipeline{
		source: source,
		result: &pipeline.Result{
			FileContent:     `{"pages":[]}`,
			BoostedContent:  "boosted",
			ExtractProvider: "primary",
			BoostProvider:   "primary",
			ExtractComplete: true,
			BoostComplete:   true,
		},
	}
}

func (p *fakePipeline) Source() string { return p.source }

func (p *fakePipeline) Process(ctx context.Context, job *queue.Job) (*pipeline.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onProcess != nil {
		p.onProcess()
	}
	if p.calls <= p.failFor {
		return nil, fmt.Errorf("scripted pipeline failure %d", p.calls)
	}
	return p.result, nil
}

func (p *fakePipeline) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
