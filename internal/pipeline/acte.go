package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Paraito/registre-extractor-sub002/internal/objstore"
	"github.com/Paraito/registre-extractor-sub002/internal/processor"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
)

// ActePipeline handles notarial acts: the whole PDF is uploaded to the
// primary provider's file API and extracted in one pass with continuation,
// then boosted. No sanitization; acte output stays free text.
type ActePipeline struct {
	store  objstore.Downloader
	proc   *processor.Processor
	cfg    Config
	logger *slog.Logger
}

// NewActePipeline creates the acte pipeline.
func NewActePipeline(store objstore.Downloader, proc *processor.Processor, cfg Config, logger *slog.Logger) *ActePipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ActePipeline{
		store:  store,
		proc:   proc,
		cfg:    cfg,
		logger: logger.With("pipeline", queue.SourceActe),
	}
}

// Source returns the document_source this pipeline handles.
func (p *ActePipeline) Source() string {
	return queue.SourceActe
}

// Process runs the full acte flow for one claimed job. The uploaded file
// reference is deleted on every exit path.
func (p *ActePipeline) Process(ctx context.Context, job *queue.Job) (*Result, error) {
	logger := p.logger.With("job_id", job.ID, "document_number", job.DocumentNumber)

	file := p.proc.FileClient()
	if file == nil {
		return nil, fmt.Errorf("no file-capable provider configured for acte jobs")
	}

	pdf, err := p.store.Download(ctx, job.DocumentSource, *job.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("download PDF: %w", err)
	}

	ref, err := file.Upload(ctx, pdf, fmt.Sprintf("acte-%s.pdf", job.ID))
	if err != nil {
		return nil, fmt.Errorf("upload PDF: %w", err)
	}
	logger.Info("uploaded acte PDF", "file_ref", ref.Name, "bytes", len(pdf))

	// Best-effort delete on every exit path, including panics. Uses a
	// fresh context so cleanup still runs when ctx is already cancelled.
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FileReadyTimeout)
		defer cancel()
		if err := file.DeleteFile(cleanup, ref); err != nil {
			logger.Warn("failed to delete uploaded file", "file_ref", ref.Name, "error", err)
		}
	}()

	if err := file.AwaitReady(ctx, ref, p.cfg.FileReadyTimeout); err != nil {
		return nil, fmt.Errorf("await file ready: %w", err)
	}

	raw, err := p.proc.ExtractFile(ctx, ref, acteExtractPrompt)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if strings.TrimSpace(raw.Text) == "" {
		return nil, fmt.Errorf("extraction produced empty text")
	}
	if !raw.Complete {
		logger.Warn("extract output missing completion sentinel, accepting partial result")
	}

	boosted, err := p.proc.Boost(ctx, raw.Text, acteBoostPrompt)
	if err != nil {
		return nil, fmt.Errorf("boost: %w", err)
	}
	if !boosted.Complete {
		logger.Warn("boost output missing completion sentinel, accepting partial result")
	}

	return &Result{
		FileContent:     raw.Text,
		BoostedContent:  boosted.Text,
		ExtractProvider: raw.Provider,
		BoostProvider:   boosted.Provider,
		ExtractComplete: raw.Complete,
		BoostComplete:   boosted.Complete,
	}, nil
}
