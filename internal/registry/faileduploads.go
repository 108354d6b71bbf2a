package registry

import (
	"context"
	"fmt"
)

// MaxUploadRetries bounds how many times the dead-letter drain worker will
// retry a failed artifact upload before leaving it failed for manual
// inspection.
const MaxUploadRetries = 5

// CreateFailedUpload inserts a dead-letter row for an artifact upload that
// could not be completed. A nil payload marks the row non-retryable from
// the start: the bytes that would need re-uploading were never retained.
func (r *Registry) CreateFailedUpload(ctx context.Context, f *FailedUpload) error {
	const q = `
INSERT INTO failed_uploads (id, match_id, key, payload, retry_count, last_error, status, created_at, updated_at)
VALUES (:id, :match_id, :key, :payload, :retry_count, :last_error, :status, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, q, f)
	if err != nil {
		return fmt.Errorf("create failed upload: %w", err)
	}
	return nil
}

// ListRetryable returns up to limit rows with a retained payload, a retry
// count under MaxUploadRetries, and a non-terminal status — the set the
// drain worker is allowed to retry. Payload=nil rows and rows already at
// resolved/exhausted are never returned.
func (r *Registry) ListRetryable(ctx context.Context, limit int) ([]FailedUpload, error) {
	const q = `
SELECT * FROM failed_uploads
WHERE payload IS NOT NULL AND status != $1 AND retry_count < $2
ORDER BY created_at ASC
LIMIT $3`
	var rows []FailedUpload
	if err := r.db.SelectContext(ctx, &rows, q, UploadResolved, MaxUploadRetries, limit); err != nil {
		return nil, fmt.Errorf("list retryable failed uploads: %w", err)
	}
	return rows, nil
}

// RecordRetryFailure increments the retry counter and records the error,
// marking the row retrying (or leaving it failed if MaxUploadRetries was
// just reached).
func (r *Registry) RecordRetryFailure(ctx context.Context, id, lastError string) error {
	const q = `
UPDATE failed_uploads
SET retry_count = retry_count + 1,
    last_error = $1,
    status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
    updated_at = now()
WHERE id = $5`
	_, err := r.db.ExecContext(ctx, q, lastError, MaxUploadRetries, UploadFailed, UploadRetrying, id)
	if err != nil {
		return fmt.Errorf("record retry failure: %w", err)
	}
	return nil
}

// MarkResolved marks a failed upload as successfully retried.
func (r *Registry) MarkResolved(ctx context.Context, id string) error {
	const q = `UPDATE failed_uploads SET status = $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, q, UploadResolved, id); err != nil {
		return fmt.Errorf("mark failed upload resolved: %w", err)
	}
	return nil
}
