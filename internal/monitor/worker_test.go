package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/pipeline"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

func testWorker(id, mode string, stores []JobStore, pipelines []pipeline.Pipeline) *Worker {
	return NewWorker(WorkerConfig{
		ID:              id,
		PollInterval:    time.Millisecond,
		CandidateBatch:  10,
		PersistAttempts: 2,
	}, stores, &fakeModes{mode: mode}, pipelines, nil)
}

func TestWorkerCompletesIndexJob(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("j1", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	claimed, err := w.cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("worker should have claimed the seeded job")
	}

	j := store.get("j1")
	if j.StatusID != queue.StatusOCRComplete {
		t.Fatalf("status = %v, want ocr_complete", j.StatusID)
	}
	if j.FileContent == nil || *j.FileContent != `{"pages":[]}` {
		t.Errorf("file_content = %v", j.FileContent)
	}
	if j.BoostedFileContent == nil || *j.BoostedFileContent == "" {
		t.Error("boosted_file_content should be set")
	}
	if j.OCRCompletedAt == nil {
		t.Error("ocr_completed_at should be set")
	}
	if j.OCRError != nil {
		t.Errorf("ocr_error should be cleared, got %q", *j.OCRError)
	}
	if j.OCRAttempts != 1 {
		t.Errorf("ocr_attempts = %d", j.OCRAttempts)
	}
}

func TestWorkerHonorsMode(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("acte-job", queue.SourceActe, time.Now())

	pl := newFakePipeline(queue.SourceIndex)
	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})

	claimed, err := w.cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("index-mode worker must not claim acte jobs")
	}
	if store.get("acte-job").StatusID != queue.StatusExtracted {
		t.Error("job should be untouched")
	}
}

func TestClaimRaceExactlyOneWinner(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("contested", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := testWorker("w"+string(rune('0'+i)), queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.cycle(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := pl.callCount(); got != 1 {
		t.Fatalf("pipeline ran %d times, exactly one claim may win", got)
	}
	j := store.get("contested")
	if j.StatusID != queue.StatusOCRComplete {
		t.Errorf("status = %v", j.StatusID)
	}
	if j.OCRAttempts != 1 {
		t.Errorf("ocr_attempts = %d, losers must not increment", j.OCRAttempts)
	}
}

func TestFailureRequeuesThenTerminal(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("doomed", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)
	pl.failFor = 100

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})

	attempts := []int{}
	for i := 0; i < 3; i++ {
		claimed, err := w.cycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !claimed {
			t.Fatalf("cycle %d should claim", i+1)
		}
		attempts = append(attempts, store.get("doomed").OCRAttempts)
	}

	// Attempts strictly increase per claim.
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempts after claim %d = %d", i+1, a)
		}
	}

	j := store.get("doomed")
	if j.StatusID != queue.StatusError {
		t.Fatalf("status = %v, want terminal error at max attempts", j.StatusID)
	}
	if j.OCRError == nil || !strings.Contains(*j.OCRError, "scripted pipeline failure") {
		t.Errorf("ocr_error = %v", j.OCRError)
	}

	// Terminal rows are never claimed again.
	claimed, err := w.cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("terminal row was claimed again")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("flaky", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)
	pl.failFor = 2

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	for i := 0; i < 3; i++ {
		if _, err := w.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	j := store.get("flaky")
	if j.StatusID != queue.StatusOCRComplete {
		t.Fatalf("status = %v", j.StatusID)
	}
	if j.OCRAttempts != 3 {
		t.Errorf("ocr_attempts = %d, want 3", j.OCRAttempts)
	}
}

func TestRoundRobinAcrossEnvironments(t *testing.T) {
	dev := newFakeStore("dev")
	prod := newFakeStore("prod")
	dev.seed("d1", queue.SourceIndex, time.Now())
	prod.seed("p1", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)

	w := testWorker("w0", queue.SourceIndex, []JobStore{dev, prod}, []pipeline.Pipeline{pl})
	for i := 0; i < 2; i++ {
		claimed, err := w.cycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !claimed {
			t.Fatalf("cycle %d found no job", i+1)
		}
	}

	if dev.get("d1").StatusID != queue.StatusOCRComplete {
		t.Error("dev job not processed")
	}
	if prod.get("p1").StatusID != queue.StatusOCRComplete {
		t.Error("prod job not processed, round-robin starved an environment")
	}
}

func TestFIFOWithinClass(t *testing.T) {
	store := newFakeStore("dev")
	base := time.Now()
	store.seed("newer", queue.SourceIndex, base.Add(time.Hour))
	store.seed("older", queue.SourceIndex, base)
	pl := newFakePipeline(queue.SourceIndex)

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if store.get("older").StatusID != queue.StatusOCRComplete {
		t.Error("oldest job should be claimed first")
	}
	if store.get("newer").StatusID != queue.StatusExtracted {
		t.Error("newer job should still be pending")
	}
}

func TestPersistExhaustionIsFatal(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("j1", queue.SourceIndex, time.Now())
	store.completeErr = context.DeadlineExceeded
	pl := newFakePipeline(queue.SourceIndex)

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	_, err := w.cycle(context.Background())
	if err == nil {
		t.Fatal("persistent queue-write failure must surface so the process exits non-zero")
	}
	// The claim stays in progress for the health monitor to reclaim.
	if store.get("j1").StatusID != queue.StatusOCRInProgress {
		t.Errorf("status = %v", store.get("j1").StatusID)
	}
}

func TestLateCompletionAfterReclaimIsDropped(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("slow", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)
	pl.onProcess = func() {
		// The job overruns the stale threshold mid-flight: the health
		// monitor reclaims it and another worker wins a fresh claim.
		store.mu.Lock()
		old := time.Now().Add(-10 * time.Minute)
		store.jobs["slow"].OCRStartedAt = &old
		store.mu.Unlock()

		h := NewHealthMonitor(HealthConfig{StaleJobThreshold: time.Minute}, []JobStore{store}, nil, nil, nil, nil)
		h.Sweep(context.Background())
		if _, err := store.TryClaim(context.Background(), "slow", "w-other"); err != nil {
			t.Error(err)
		}
	}

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	claimed, err := w.cycle(context.Background())
	if err != nil {
		t.Fatalf("a dropped late write must not be fatal: %v", err)
	}
	if !claimed {
		t.Fatal("worker should have claimed the seeded job")
	}

	j := store.get("slow")
	if j.StatusID != queue.StatusOCRInProgress {
		t.Fatalf("status = %v, the new owner's in-flight claim must be untouched", j.StatusID)
	}
	if j.OCRWorkerID == nil || *j.OCRWorkerID != "w-other" {
		t.Errorf("ocr_worker_id = %v, want the new owner", j.OCRWorkerID)
	}
	if j.FileContent != nil {
		t.Error("the stale worker's output must not be written")
	}
}

func TestLateFailureAfterReclaimIsDropped(t *testing.T) {
	store := newFakeStore("dev")
	store.seed("slow", queue.SourceIndex, time.Now())
	pl := newFakePipeline(queue.SourceIndex)
	pl.failFor = 100
	pl.onProcess = func() {
		store.mu.Lock()
		old := time.Now().Add(-10 * time.Minute)
		store.jobs["slow"].OCRStartedAt = &old
		store.mu.Unlock()

		h := NewHealthMonitor(HealthConfig{StaleJobThreshold: time.Minute}, []JobStore{store}, nil, nil, nil, nil)
		h.Sweep(context.Background())
		if _, err := store.TryClaim(context.Background(), "slow", "w-other"); err != nil {
			t.Error(err)
		}
	}

	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})
	if _, err := w.cycle(context.Background()); err != nil {
		t.Fatalf("a dropped late write must not be fatal: %v", err)
	}

	j := store.get("slow")
	if j.StatusID != queue.StatusOCRInProgress {
		t.Fatalf("status = %v, a stale failure must not requeue the new owner's row", j.StatusID)
	}
	if j.OCRAttempts != 2 {
		t.Errorf("ocr_attempts = %d, want one per real claim", j.OCRAttempts)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	store := newFakeStore("dev")
	pl := newFakePipeline(queue.SourceIndex)
	w := testWorker("w0", queue.SourceIndex, []JobStore{store}, []pipeline.Pipeline{pl})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestIdleCloseFiresOnce(t *testing.T) {
	store := newFakeStore("dev")
	pl := newFakePipeline(queue.SourceIndex)

	var closes int
	w := NewWorker(WorkerConfig{
		ID:              "w0",
		PollInterval:    time.Millisecond,
		IdleClose:       time.Nanosecond,
		CandidateBatch:  10,
		PersistAttempts: 2,
		OnIdle:          func() { closes++ },
	}, []JobStore{store}, &fakeModes{mode: queue.SourceIndex}, []pipeline.Pipeline{pl}, nil)

	for i := 0; i < 5; i++ {
		if _, err := w.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
		w.maybeCloseIdle()
	}
	if closes != 1 {
		t.Errorf("OnIdle fired %d times, want once per idle period", closes)
	}
}
