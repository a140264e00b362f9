// Package export writes audit events as newline-delimited JSON manifests and
// ships them to object storage.
package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// NDJSONWriter streams one event per line. The encoding matches the event's
// boundary JSON shape so a manifest line round-trips through the query API
// representation.
type NDJSONWriter struct {
	enc   *json.Encoder
	count int64
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONWriter{enc: enc}
}

func (w *NDJSONWriter) Write(event domain.AuditEvent) error {
	if err := w.enc.Encode(event); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count is the number of lines written so far.
func (w *NDJSONWriter) Count() int64 { return w.count }

// Sink stores a finished manifest under a key and reports its size.
type Sink interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// DiscardSink drains manifests without storing them. Used when no object
// store is configured, so export jobs still complete with counts.
type DiscardSink struct{}

func (DiscardSink) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := io.Copy(io.Discard, body)
	return err
}
