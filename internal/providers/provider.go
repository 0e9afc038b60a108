package providers

import (
	"context"
	"fmt"
	"time"
)

// Provider names used in job metadata, logs and the rate budget.
const (
	PrimaryName  = "primary"
	FallbackName = "fallback"
)

// Roles select the max-output-token budget for a call. Continuation calls
// reuse the budget of the stage they continue.
const (
	RoleExtract = "extract"
	RoleBoost   = "boost"
)

// Result is the text output of one provider call.
type Result struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// VisionClient extracts text from page images and applies boost passes.
// Both the primary and the fallback provider implement this.
type VisionClient interface {
	// Name returns the provider identifier used by the rate budget.
	Name() string

	// ExtractImage runs vision OCR on one page image.
	ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*Result, error)

	// Boost applies a domain-correction pass over extracted text.
	Boost(ctx context.Context, text, prompt string) (*Result, error)

	// MaxOutputTokens returns the configured output budget for a role.
	MaxOutputTokens(role string) int
}

// FileState is the lifecycle of an uploaded file on the file-API provider.
type FileState string

const (
	FileStateProcessing FileState = "PROCESSING"
	FileStateActive     FileState = "ACTIVE"
	FileStateFailed     FileState = "FAILED"
)

// FileRef identifies an uploaded file on the provider.
type FileRef struct {
	Name  string    `json:"name"`
	URI   string    `json:"uri"`
	State FileState `json:"state"`
}

// FileClient is the whole-document path: upload a PDF, wait for the
// provider to finish ingesting it, run extraction against the reference,
// and delete it. Only the primary provider exposes this surface.
type FileClient interface {
	Name() string

	// Upload pushes PDF bytes to the provider's file store.
	Upload(ctx context.Context, pdf []byte, displayName string) (*FileRef, error)

	// AwaitReady polls until the file is ACTIVE or the deadline passes.
	AwaitReady(ctx context.Context, ref *FileRef, timeout time.Duration) error

	// ExtractFile runs extraction against an ACTIVE file reference.
	ExtractFile(ctx context.Context, ref *FileRef, prompt string) (*Result, error)

	// DeleteFile removes the uploaded file. Best-effort on all exit paths.
	DeleteFile(ctx context.Context, ref *FileRef) error

	Boost(ctx context.Context, text, prompt string) (*Result, error)
	MaxOutputTokens(role string) int
}

// ValidateModel rejects model names absent from the explicit token table.
// Unknown models fail startup rather than silently defaulting.
func ValidateModel(model string, tokenTable map[string]int) error {
	if _, ok := tokenTable[model]; !ok {
		return fmt.Errorf("model %q not present in token limit table (known: %v)", model, keys(tokenTable))
	}
	return nil
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
