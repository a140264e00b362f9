package jobs

import (
	"bytes"
	"context"
	"fmt"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/export"
)

// runExport streams the selection-bounded result set into an NDJSON manifest
// and uploads it to the object store. The cancellation flag is polled between
// pages; no storage transaction is ever terminated mid-flight.
func (c *Coordinator) runExport(ctx context.Context, job domain.Job, flag *cancelFlag) (domain.Metadata, error) {
	selectionID, _ := job.RequestParams["selection_id"].(string)
	if selectionID == "" {
		return nil, domain.NewError(domain.KindValidation, "export requires selection_id")
	}
	resolved, err := c.selections.Resolve(ctx, selectionID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := export.NewNDJSONWriter(&buf)

	after := ""
	for {
		if flag.cancelled() {
			return nil, errCancelled
		}
		page, err := c.ledger.QueryBounded(ctx, resolved.FilterCriteria, after, resolved.SnapshotCursor, c.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		for _, event := range page.Events {
			if err := writer.Write(event); err != nil {
				return nil, fmt.Errorf("write manifest line: %w", err)
			}
		}
		if page.NextCursor == "" {
			break
		}
		after = page.NextCursor
	}

	key := fmt.Sprintf("exports/%s.ndjson", job.JobID)
	size := int64(buf.Len())
	if err := c.sink.Put(ctx, key, &buf, size, "application/x-ndjson"); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	return domain.Metadata{
		"object_key":   key,
		"event_count":  writer.Count(),
		"bytes":        size,
		"selection_id": selectionID,
	}, nil
}
