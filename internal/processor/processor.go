package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/Paraito/registre-extractor-sub002/internal/budget"
	"github.com/Paraito/registre-extractor-sub002/internal/providers"
)

// Completion sentinels. The prompts instruct the model to end its output
// with one of these; absence means the response was truncated and a
// continuation call is due. Matching is a bit-exact substring check, which
// also accepts a leading decorative check-mark on the line.
const (
	ExtractSentinel = "EXTRACTION_COMPLETE:"
	BoostSentinel   = "BOOST_COMPLETE:"
)

// Admitter is the rate budget surface the processor needs. Every provider
// call passes through TryAdmit first.
type Admitter interface {
	TryAdmit(ctx context.Context, provider string, estimatedTokens int) (budget.Admission, error)
}

// Config bounds the orchestrator's retry behaviour.
type Config struct {
	// AttemptsPerProvider is the retry budget per stage per provider for
	// retryable errors (rate-limited, transient, overloaded).
	AttemptsPerProvider int

	// ContinuationBudget caps continuation calls per stage (≤3).
	ContinuationBudget int

	// BackoffBase is the first retry delay; doubles per attempt with jitter.
	BackoffBase time.Duration

	// ContinuationPrompt asks the model to resume where it stopped. The
	// accumulated text is appended after it.
	ContinuationPrompt string
}

func (c *Config) applyDefaults() {
	if c.AttemptsPerProvider <= 0 {
		c.AttemptsPerProvider = 3
	}
	if c.ContinuationBudget <= 0 || c.ContinuationBudget > 3 {
		c.ContinuationBudget = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.ContinuationPrompt == "" {
		c.ContinuationPrompt = "La réponse précédente a été tronquée. Reprends exactement où elle s'est arrêtée, sans répéter ce qui a déjà été produit. Texte accumulé jusqu'ici:"
	}
}

// StageResult is the outcome of one stage (extract or boost).
type StageResult struct {
	Text     string
	Provider string
	// Complete records whether the completion sentinel was ever observed.
	// An incomplete result is still accepted; callers log a warning.
	Complete bool
}

// Processor runs extract and boost stages with primary-first provider
// fallback, bounded retries with exponential backoff and jitter, and
// sentinel-driven continuation. The two stages choose providers
// independently: extract succeeding on primary never pins boost there.
type Processor struct {
	primary  providers.VisionClient
	fallback providers.VisionClient
	file     providers.FileClient
	admitter Admitter
	cfg      Config
	logger   *slog.Logger
}

// New creates a processor. fallback and file may be nil in tests; the file
// surface is required only for acte jobs.
func New(primary, fallback providers.VisionClient, file providers.FileClient, admitter Admitter, cfg Config, logger *slog.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		primary:  primary,
		fallback: fallback,
		file:     file,
		admitter: admitter,
		cfg:      cfg,
		logger:   logger.With("component", "processor"),
	}
}

// FileClient exposes the primary file surface for pipeline upload/cleanup.
func (p *Processor) FileClient() providers.FileClient {
	return p.file
}

// call is one provider invocation bound to a specific client.
type call func(ctx context.Context) (*providers.Result, error)

// ExtractImage runs the extract stage over a page image with provider
// fallback and continuation.
func (p *Processor) ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*StageResult, error) {
	clients := p.visionOrder()
	return p.runStage(ctx, "extract", ExtractSentinel, clients, func(c providers.VisionClient) call {
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(prompt)+len(image)/3, c.MaxOutputTokens(providers.RoleExtract)); err != nil {
				return nil, err
			}
			return c.ExtractImage(ctx, image, mime, prompt)
		}
	}, func(c providers.VisionClient, accumulated string) call {
		contPrompt := prompt + "\n\n" + p.cfg.ContinuationPrompt + "\n" + tail(accumulated, 2000)
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(contPrompt)+len(image)/3, c.MaxOutputTokens(providers.RoleExtract)); err != nil {
				return nil, err
			}
			return c.ExtractImage(ctx, image, mime, contPrompt)
		}
	})
}

// Boost runs the boost stage over extracted text with provider fallback and
// continuation.
func (p *Processor) Boost(ctx context.Context, text, prompt string) (*StageResult, error) {
	clients := p.visionOrder()
	return p.runStage(ctx, "boost", BoostSentinel, clients, func(c providers.VisionClient) call {
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(prompt)+len(text), c.MaxOutputTokens(providers.RoleBoost)); err != nil {
				return nil, err
			}
			return c.Boost(ctx, text, prompt)
		}
	}, func(c providers.VisionClient, accumulated string) call {
		contPrompt := p.cfg.ContinuationPrompt + "\n" + tail(accumulated, 2000)
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(contPrompt)+len(text), c.MaxOutputTokens(providers.RoleBoost)); err != nil {
				return nil, err
			}
			return c.Boost(ctx, text, contPrompt)
		}
	})
}

// ExtractFile runs the extract stage against an uploaded file reference.
// Only the primary provider has a file surface, so there is no fallback
// here; exhaustion is a per-job failure.
func (p *Processor) ExtractFile(ctx context.Context, ref *providers.FileRef, prompt string) (*StageResult, error) {
	if p.file == nil {
		return nil, errors.New("no file-capable provider configured")
	}
	c := p.file
	clients := []providers.VisionClient{fileAsVision{c}}
	return p.runStage(ctx, "extract", ExtractSentinel, clients, func(_ providers.VisionClient) call {
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(prompt), c.MaxOutputTokens(providers.RoleExtract)); err != nil {
				return nil, err
			}
			return c.ExtractFile(ctx, ref, prompt)
		}
	}, func(_ providers.VisionClient, accumulated string) call {
		contPrompt := prompt + "\n\n" + p.cfg.ContinuationPrompt + "\n" + tail(accumulated, 2000)
		return func(ctx context.Context) (*providers.Result, error) {
			if err := p.admit(ctx, c.Name(), len(contPrompt), c.MaxOutputTokens(providers.RoleExtract)); err != nil {
				return nil, err
			}
			return c.ExtractFile(ctx, ref, contPrompt)
		}
	})
}

// fileAsVision lets runStage treat the file client uniformly; only Name and
// MaxOutputTokens are consulted on this adapter.
type fileAsVision struct {
	providers.FileClient
}

func (f fileAsVision) ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*providers.Result, error) {
	return nil, errors.New("file client has no image surface")
}

func (p *Processor) visionOrder() []providers.VisionClient {
	order := []providers.VisionClient{p.primary}
	if p.fallback != nil {
		order = append(order, p.fallback)
	}
	return order
}

// runStage is the (stage, provider, attempts) state machine: for each
// provider in order, retry retryable errors with backoff; a bad request
// skips straight to the next provider; a success enters the continuation
// loop on the same provider.
func (p *Processor) runStage(
	ctx context.Context,
	stage, sentinel string,
	clients []providers.VisionClient,
	firstCall func(providers.VisionClient) call,
	contCall func(providers.VisionClient, string) call,
) (*StageResult, error) {
	var lastErr error

	for _, client := range clients {
		res, err := p.withRetries(ctx, stage, client.Name(), firstCall(client))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("stage exhausted provider",
				"stage", stage, "provider", client.Name(), "error", err)
			continue
		}

		text, complete := p.continueUntilComplete(ctx, stage, sentinel, res.Text, func(acc string) call {
			return contCall(client, acc)
		})
		return &StageResult{
			Text:     stripSentinelLine(text, sentinel),
			Provider: client.Name(),
			Complete: complete,
		}, nil
	}

	return nil, fmt.Errorf("%s failed on all providers: %w", stage, lastErr)
}

// withRetries retries a single call on retryable errors with exponential
// backoff and jitter, honouring Retry-After hints.
func (p *Processor) withRetries(ctx context.Context, stage, provider string, fn call) (*providers.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.AttemptsPerProvider; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		kind := providers.Kind(err)
		if kind == providers.KindBadRequest {
			// Fatal for this provider; no point retrying.
			return nil, err
		}

		delay := p.backoff(attempt)
		var pe *providers.Error
		if errors.As(err, &pe) && pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}
		p.logger.Debug("retrying provider call",
			"stage", stage, "provider", provider, "attempt", attempt+1,
			"kind", string(kind), "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// continueUntilComplete issues continuation calls against the same provider
// until the sentinel appears or the budget is spent. A continuation error
// accepts the partial text.
func (p *Processor) continueUntilComplete(ctx context.Context, stage, sentinel, initial string, mkCont func(string) call) (string, bool) {
	text := initial
	if strings.Contains(text, sentinel) {
		return text, true
	}

	for i := 0; i < p.cfg.ContinuationBudget; i++ {
		p.logger.Info("response truncated, continuing",
			"stage", stage, "continuation", i+1, "accumulated_bytes", len(text))

		res, err := p.withRetries(ctx, stage, "continuation", mkCont(text))
		if err != nil {
			p.logger.Warn("continuation failed, accepting partial output",
				"stage", stage, "error", err)
			return text, false
		}
		text += res.Text
		if strings.Contains(text, sentinel) {
			return text, true
		}
	}

	p.logger.Warn("continuation budget spent without sentinel", "stage", stage)
	return text, false
}

// admit blocks until the rate budget admits the call. Deferred admissions
// wait out the window; transient store errors back off and retry.
func (p *Processor) admit(ctx context.Context, provider string, promptBytes, expectedOutput int) error {
	if p.admitter == nil {
		return nil
	}
	est := budget.EstimateTokens(promptBytes, expectedOutput)

	for attempt := 0; ; attempt++ {
		adm, err := p.admitter.TryAdmit(ctx, provider, est)
		if err != nil {
			// Store hiccup: retryable with backoff.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
			continue
		}
		if adm.Admitted {
			return nil
		}

		wait := adm.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		p.logger.Debug("rate budget deferred call",
			"provider", provider, "reason", adm.Reason, "retry_after", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff returns the delay before retry n: base doubling per attempt,
// capped at 30s, with -20%/+30% jitter.
func (p *Processor) backoff(attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	base := p.cfg.BackoffBase * time.Duration(1<<attempt)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return time.Duration(float64(base) * (0.8 + 0.5*rand.Float64()))
}

// stripSentinelLine drops the line carrying the completion sentinel from
// the stored output.
func stripSentinelLine(text, sentinel string) string {
	if !strings.Contains(text, sentinel) {
		return strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, sentinel) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// tail returns the last n bytes of s, for continuation context.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
