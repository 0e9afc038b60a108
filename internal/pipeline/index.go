package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Paraito/registre-extractor-sub002/internal/objstore"
	"github.com/Paraito/registre-extractor-sub002/internal/processor"
	"github.com/Paraito/registre-extractor-sub002/internal/queue"
	"github.com/Paraito/registre-extractor-sub002/internal/sanitize"
)

// IndexPipeline handles index registry pages: rasterize each page, extract
// them in parallel, boost the concatenated text once with whole-document
// context, then sanitize into the strict JSON schema.
//
// Boosting once over the full document is deliberate: it lets the model fix
// cross-page inconsistencies and halves the token spend versus per-page
// boosting.
type IndexPipeline struct {
	store  objstore.Downloader
	proc   *processor.Processor
	render Renderer
	cfg    Config
	logger *slog.Logger
}

// NewIndexPipeline creates the index pipeline.
func NewIndexPipeline(store objstore.Downloader, proc *processor.Processor, cfg Config, logger *slog.Logger) *IndexPipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexPipeline{
		store:  store,
		proc:   proc,
		render: popplerRenderer{},
		cfg:    cfg,
		logger: logger.With("pipeline", queue.SourceIndex),
	}
}

// Source returns the document_source this pipeline handles.
func (p *IndexPipeline) Source() string {
	return queue.SourceIndex
}

// Process runs the full index flow for one claimed job.
func (p *IndexPipeline) Process(ctx context.Context, job *queue.Job) (*Result, error) {
	logger := p.logger.With("job_id", job.ID, "document_number", job.DocumentNumber)

	pdf, err := p.store.Download(ctx, job.DocumentSource, *job.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("download PDF: %w", err)
	}

	jobDir, err := os.MkdirTemp(p.cfg.WorkDir, "index-*")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	pdfPath := filepath.Join(jobDir, "source.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		return nil, fmt.Errorf("write PDF: %w", err)
	}

	pageCount, err := p.render.PageCount(pdf)
	if err != nil {
		return nil, fmt.Errorf("inspect PDF: %w", err)
	}
	logger.Info("processing index document", "pages", pageCount)

	if pageCount == 0 {
		// Zero pages is a valid document: emit the empty schema and
		// complete the job.
		doc := &sanitize.SanitizedDocument{Pages: []sanitize.Page{}}
		content, err := doc.MarshalStable()
		if err != nil {
			return nil, err
		}
		return &Result{
			FileContent:     string(content),
			BoostedContent:  "",
			ExtractComplete: true,
			BoostComplete:   true,
		}, nil
	}

	pageTexts, extractProvider, err := p.extractPages(ctx, logger, pdfPath, jobDir, pageCount)
	if err != nil {
		return nil, err
	}

	nonEmpty := 0
	for _, t := range pageTexts {
		if strings.TrimSpace(t) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return nil, fmt.Errorf("extraction produced no text on any of %d pages", pageCount)
	}

	assembled := assemblePages(pageTexts)

	boosted, err := p.proc.Boost(ctx, assembled, indexBoostPrompt)
	if err != nil {
		return nil, fmt.Errorf("boost: %w", err)
	}
	if !boosted.Complete {
		logger.Warn("boost output missing completion sentinel, accepting partial result")
	}

	doc, warnings := sanitize.Sanitize(boosted.Text)
	for _, w := range warnings {
		logger.Warn("sanitizer warning", "page", w.Page, "detail", w.Message)
	}

	content, err := doc.MarshalStable()
	if err != nil {
		return nil, fmt.Errorf("serialize sanitized document: %w", err)
	}

	return &Result{
		FileContent:     string(content),
		BoostedContent:  boosted.Text,
		ExtractProvider: extractProvider,
		BoostProvider:   boosted.Provider,
		ExtractComplete: nonEmpty == pageCount,
		BoostComplete:   boosted.Complete,
	}, nil
}

// extractPages rasterizes and extracts every page with bounded parallelism.
// A page that fails on both providers yields empty text and a warning; the
// job proceeds, partial OCR beats no OCR.
func (p *IndexPipeline) extractPages(ctx context.Context, logger *slog.Logger, pdfPath, jobDir string, pageCount int) ([]string, string, error) {
	texts := make([]string, pageCount)
	providersUsed := make([]string, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PageParallelism)

	for page := 1; page <= pageCount; page++ {
		g.Go(func() error {
			image, err := p.render.RenderPage(pdfPath, jobDir, page, p.cfg.DPI)
			if err != nil {
				return fmt.Errorf("render page %d: %w", page, err)
			}

			res, err := p.proc.ExtractImage(gctx, image, "image/png", indexExtractPrompt)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("page extract failed on all providers, recording empty page",
					"page", page, "error", err)
				return nil
			}
			texts[page-1] = res.Text
			providersUsed[page-1] = res.Provider
			if !res.Complete {
				logger.Warn("page extract missing completion sentinel", "page", page)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	// Report the provider that served most pages.
	provider := ""
	counts := map[string]int{}
	for _, name := range providersUsed {
		if name == "" {
			continue
		}
		counts[name]++
		if counts[name] > counts[provider] {
			provider = name
		}
	}
	return texts, provider, nil
}

// assemblePages joins per-page texts in page order with the literal page
// markers the sanitizer splits on. Failed pages keep their marker so they
// surface as empty-inscription pages downstream.
func assemblePages(texts []string) string {
	var sb strings.Builder
	for i, text := range texts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "--- Page %d ---\n", i+1)
		sb.WriteString(strings.TrimSpace(text))
	}
	return sb.String()
}
