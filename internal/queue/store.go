package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClaimLost is returned by TryClaim when another worker won the
// compare-and-update race for a candidate row, and by MarkComplete and
// MarkFailed when the caller no longer owns the row (the health monitor
// reclaimed it mid-flight).
var ErrClaimLost = errors.New("claim lost to another worker")

// Store provides access to one environment's queue table.
// All cross-worker coordination on job ownership goes through the
// single-statement compare-and-update in TryClaim.
type Store struct {
	pool *pgxpool.Pool
	env  string
}

// NewStore connects to one environment's queue database.
func NewStore(ctx context.Context, env, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("environment %s: empty database URL", env)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("environment %s: connect failed: %w", env, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("environment %s: ping failed: %w", env, err)
	}
	return &Store{pool: pool, env: env}, nil
}

// Env returns the environment name this store polls (dev/staging/prod).
func (s *Store) Env() string {
	return s.env
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const jobColumns = `
	id, document_source, document_number, document_number_normalized,
	circonscription, cadastre, designation_secondaire,
	status_id, storage_path, file_content, boosted_file_content,
	worker_id, processing_started_at,
	COALESCE(attempts, 0), COALESCE(max_attempts, 3), error_message,
	ocr_worker_id, ocr_started_at, ocr_completed_at,
	COALESCE(ocr_attempts, 0), COALESCE(ocr_max_attempts, 3),
	ocr_error, ocr_last_error_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.DocumentSource, &j.DocumentNumber, &j.DocumentNumberNormalized,
		&j.Circonscription, &j.Cadastre, &j.DesignationSecondaire,
		&j.StatusID, &j.StoragePath, &j.FileContent, &j.BoostedFileContent,
		&j.WorkerID, &j.ProcessingStartedAt, &j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
		&j.OCRWorkerID, &j.OCRStartedAt, &j.OCRCompletedAt,
		&j.OCRAttempts, &j.OCRMaxAttempts, &j.OCRError, &j.OCRLastErrorAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NextCandidates returns up to limit claimable rows for a document source,
// oldest first. A row is claimable when extraction finished (status 3), the
// PDF landed in object storage, OCR output is still missing (acte rows keep
// their raw extraction text in file_content, so they are filtered on status
// alone), and the attempt budget is not spent.
func (s *Store) NextCandidates(ctx context.Context, source string, limit int) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM queue
		WHERE status_id = $1
		  AND document_source = $2
		  AND storage_path IS NOT NULL
		  AND (file_content IS NULL OR document_source = 'acte')
		  AND (ocr_attempts IS NULL OR ocr_attempts < ocr_max_attempts)
		ORDER BY created_at ASC
		LIMIT $3`,
		StatusExtracted, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TryClaim attempts the atomic compare-and-update that transfers exclusive
// ownership of a row to workerID. Returns ErrClaimLost when the row's status
// changed between the candidate query and this update.
func (s *Store) TryClaim(ctx context.Context, jobID, workerID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue SET
			status_id = $1,
			ocr_worker_id = $2,
			ocr_started_at = now(),
			ocr_attempts = COALESCE(ocr_attempts, 0) + 1,
			updated_at = now()
		WHERE id = $3 AND status_id = $4
		RETURNING`+jobColumns,
		StatusOCRInProgress, workerID, jobID, StatusExtracted)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}
	return j, nil
}

// MarkComplete records pipeline output and moves the row to OCR complete.
// The write is guarded on the caller still owning an in-progress claim;
// a stale worker whose row was reclaimed gets ErrClaimLost and must not
// touch the new owner's state.
func (s *Store) MarkComplete(ctx context.Context, jobID, workerID, fileContent, boostedContent string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue SET
			status_id = $1,
			file_content = $2,
			boosted_file_content = $3,
			ocr_completed_at = now(),
			ocr_error = NULL,
			updated_at = now()
		WHERE id = $4 AND status_id = $5 AND ocr_worker_id = $6`,
		StatusOCRComplete, fileContent, boostedContent, jobID, StatusOCRInProgress, workerID)
	if err != nil {
		return fmt.Errorf("mark complete %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed records an OCR failure. When the attempt budget is spent the
// row becomes terminal (status 4); otherwise it returns to status 3 so any
// worker can retry it. Returns the resulting status. Guarded like
// MarkComplete: a reclaimed row yields ErrClaimLost instead of bouncing the
// new owner's claim back to the queue.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, cause error) (Status, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE queue SET
			status_id = CASE WHEN ocr_attempts >= ocr_max_attempts THEN $1::int ELSE $2::int END,
			ocr_worker_id = NULL,
			ocr_error = $3,
			ocr_last_error_at = now(),
			updated_at = now()
		WHERE id = $4 AND status_id = $5 AND ocr_worker_id = $6
		RETURNING status_id`,
		StatusError, StatusExtracted, msg, jobID, StatusOCRInProgress, workerID)

	var status Status
	err := row.Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrClaimLost
	}
	if err != nil {
		return 0, fmt.Errorf("mark failed %s: %w", jobID, err)
	}
	return status, nil
}

// ResetStaleJobs reverts rows stranded in OCR-in-progress by crashed workers.
// The status guard makes concurrent health monitors safe: a row that moved on
// in the meantime is not touched. Returns the IDs of reverted rows.
func (s *Store) ResetStaleJobs(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue SET
			status_id = $1,
			ocr_worker_id = NULL,
			ocr_error = 'Reset by health monitor',
			updated_at = now()
		WHERE status_id = $2
		  AND ocr_started_at < now() - $3::interval
		RETURNING id`,
		StatusExtracted, StatusOCRInProgress,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("reset stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingCounts returns the number of claimable rows per document source.
// The pool manager uses this to rebalance worker modes.
func (s *Store) PendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_source, COUNT(*)
		FROM queue
		WHERE status_id = $1
		  AND storage_path IS NOT NULL
		  AND (ocr_attempts IS NULL OR ocr_attempts < ocr_max_attempts)
		GROUP BY document_source`,
		StatusExtracted)
	if err != nil {
		return nil, fmt.Errorf("pending counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}
