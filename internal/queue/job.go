package queue

import (
	"time"
)

// Status values for the shared queue table. The numeric IDs are a schema
// contract with the upstream extractor and downstream consumers.
type Status int

const (
	StatusPending       Status = 1
	StatusExtracting    Status = 2
	StatusExtracted     Status = 3
	StatusError         Status = 4
	StatusOCRComplete   Status = 5
	StatusOCRInProgress Status = 6
)

// String returns a human-readable status name for logs.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExtracting:
		return "extracting"
	case StatusExtracted:
		return "extracted"
	case StatusError:
		return "error"
	case StatusOCRComplete:
		return "ocr_complete"
	case StatusOCRInProgress:
		return "ocr_in_progress"
	default:
		return "unknown"
	}
}

// Document sources. Each selects a processing pipeline; plan_cadastraux rows
// are completed upstream and never claimed here.
const (
	SourceIndex          = "index"
	SourceActe           = "acte"
	SourcePlanCadastraux = "plan_cadastraux"
)

// Job is one row of the shared queue table.
type Job struct {
	ID                       string
	DocumentSource           string
	DocumentNumber           string
	DocumentNumberNormalized *string
	Circonscription          *string
	Cadastre                 *string
	DesignationSecondaire    *string

	StatusID    Status
	StoragePath *string

	FileContent        *string
	BoostedFileContent *string

	// Extraction-side tracking (owned by the upstream extractor).
	WorkerID            *string
	ProcessingStartedAt *time.Time
	Attempts            int
	MaxAttempts         int
	ErrorMessage        *string

	// OCR-side tracking (owned by this system).
	OCRWorkerID    *string
	OCRStartedAt   *time.Time
	OCRCompletedAt *time.Time
	OCRAttempts    int
	OCRMaxAttempts int
	OCRError       *string
	OCRLastErrorAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
