package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// ClaimArchiveStore is the narrow read surface the archiver needs from the
// claim store: only confirmed claims leave the hot database.
type ClaimArchiveStore interface {
	ListConfirmedBefore(ctx context.Context, before time.Time) ([]domain.Claim, error)
}

// AuditArchiveStore provides read access to audit entries for archival.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ArchiveImpl implements domain.Archiver by querying the stores for settled
// history, serializing it to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed after
// the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	claims ClaimArchiveStore
	audit  AuditArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, claims ClaimArchiveStore, audit AuditArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		claims: claims,
		audit:  audit,
	}
}

// ArchiveClaims queries confirmed claims resolved before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/claims/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveClaims(ctx context.Context, before time.Time) (int64, error) {
	claims, err := a.claims.ListConfirmedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims query: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(claims)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims marshal: %w", err)
	}

	path := archivePath("claims", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive claims upload: %w", err)
	}

	count := int64(len(claims))

	if err := a.audit.Log(ctx, "archive.claims", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive claims audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries created before the cutoff, serializes
// them to JSONL, and uploads the file to S3 at archive/audit/YYYY-MM.jsonl.
// The count of archived entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log entry: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/claims/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
