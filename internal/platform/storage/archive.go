// Package storage archives raw webhook payloads in Cloud Storage for audit and replay.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

var errInvalidBucket = errors.New("storage: bucket name is required")

// ObjectMeta describes an object being written.
type ObjectMeta struct {
	ContentType string
	Metadata    map[string]string
}

// objectWriter opens a create-only writer. Writers must fail with a precondition error when
// the object already exists.
type objectWriter interface {
	NewWriter(ctx context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser
}

type gcsWriter struct {
	client *storage.Client
}

func (g gcsWriter) NewWriter(ctx context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser {
	w := g.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = meta.Metadata
	return w
}

// WebhookArchive stores each webhook body once under a deterministic path.
type WebhookArchive struct {
	bucket string
	writer objectWriter
}

// NewWebhookArchive constructs an archive writing to bucket through the given client.
func NewWebhookArchive(client *storage.Client, bucket string) (*WebhookArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newWebhookArchive(gcsWriter{client: client}, bucket)
}

func newWebhookArchive(writer objectWriter, bucket string) (*WebhookArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &WebhookArchive{bucket: bucket, writer: writer}, nil
}

// Archive writes body and returns its gs:// location. A redelivered event finds the object
// already present and returns the same location.
func (a *WebhookArchive) Archive(ctx context.Context, gateway, eventID string, body []byte, receivedAt time.Time) (string, error) {
	object, err := BuildArchivePath(ArchivePathParams{Gateway: gateway, EventID: eventID, ReceivedAt: receivedAt})
	if err != nil {
		return "", err
	}
	location := fmt.Sprintf("gs://%s/%s", a.bucket, object)

	w := a.writer.NewWriter(ctx, a.bucket, object, ObjectMeta{
		ContentType: "application/json",
		Metadata: map[string]string{
			"gateway":    strings.ToLower(strings.TrimSpace(gateway)),
			"eventId":    strings.TrimSpace(eventID),
			"receivedAt": receivedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return location, nil
		}
		return "", fmt.Errorf("storage: close %s: %w", object, err)
	}
	return location, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
