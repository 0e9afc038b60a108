package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// Result is what a pipeline hands back to the job monitor for persistence.
type Result struct {
	// FileContent goes to the file_content column: sanitized JSON for
	// index jobs, raw extracted text for acte jobs.
	FileContent string

	// BoostedContent goes to boosted_file_content.
	BoostedContent string

	ExtractProvider string
	BoostProvider   string

	// Completion flags record whether each stage's sentinel was observed.
	ExtractComplete bool
	BoostComplete   bool
}

// Pipeline processes one claimed job end to end.
type Pipeline interface {
	// Source returns the document_source this pipeline handles.
	Source() string

	// Process downloads, extracts, boosts and (for index) sanitizes.
	Process(ctx context.Context, job *queue.Job) (*Result, error)
}

// Config holds the knobs shared by both pipelines.
type Config struct {
	// DPI for PDF page rasterization (index pipeline).
	DPI int

	// PageParallelism bounds concurrent per-page extract calls. The rate
	// budget is the real throttle; this only caps local fan-out.
	PageParallelism int

	// FileReadyTimeout bounds the acte upload readiness poll.
	FileReadyTimeout time.Duration

	// WorkDir is the worker's isolated temp directory.
	WorkDir string
}

func (c *Config) applyDefaults() {
	if c.DPI <= 0 {
		c.DPI = 200
	}
	if c.PageParallelism <= 0 {
		c.PageParallelism = 4
	}
	if c.FileReadyTimeout <= 0 {
		c.FileReadyTimeout = 60 * time.Second
	}
}

// ForSource returns the pipeline matching a job's document source.
func ForSource(source string, pipelines []Pipeline) (Pipeline, error) {
	for _, p := range pipelines {
		if p.Source() == source {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no pipeline for document source %q", source)
}
