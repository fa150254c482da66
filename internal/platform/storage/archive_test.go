package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

type memoryObject struct {
	data []byte
	meta ObjectMeta
}

type memoryWriter struct {
	objects  map[string]memoryObject
	writeErr error
}

func (m *memoryWriter) NewWriter(_ context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser {
	return &pendingObject{store: m, key: bucket + "/" + object, meta: meta}
}

type pendingObject struct {
	store *memoryWriter
	key   string
	meta   ObjectMeta
	buf    bytes.Buffer
	failed bool
}

func (p *pendingObject) Write(b []byte) (int, error) {
	if p.store.writeErr != nil {
		p.failed = true
		return 0, p.store.writeErr
	}
	return p.buf.Write(b)
}

func (p *pendingObject) Close() error {
	if p.failed {
		return p.store.writeErr
	}
	if _, exists := p.store.objects[p.key]; exists {
		return &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "conditionNotMet"}
	}
	p.store.objects[p.key] = memoryObject{data: p.buf.Bytes(), meta: p.meta}
	return nil
}

func TestBuildArchivePath(t *testing.T) {
	receivedAt := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("JST", 9*60*60))
	path, err := BuildArchivePath(ArchivePathParams{Gateway: "Stripe", EventID: "evt_1", ReceivedAt: receivedAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "webhooks/stripe/2026/03/07/evt_1.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildArchivePathRejectsInvalidSegment(t *testing.T) {
	now := time.Now()
	cases := []ArchivePathParams{
		{Gateway: "stripe", EventID: "../evt", ReceivedAt: now},
		{Gateway: "str/ipe", EventID: "evt_1", ReceivedAt: now},
		{Gateway: "stripe", EventID: " ", ReceivedAt: now},
		{Gateway: "stripe", EventID: "evt_1"},
	}
	for _, params := range cases {
		if _, err := BuildArchivePath(params); err == nil {
			t.Fatalf("expected error for %+v", params)
		}
	}
}

func TestWebhookArchiveWritesOnce(t *testing.T) {
	store := &memoryWriter{objects: map[string]memoryObject{}}
	archive, err := newWebhookArchive(store, "fulfillment-webhooks")
	if err != nil {
		t.Fatalf("newWebhookArchive: %v", err)
	}
	receivedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt_1"}`)

	location, err := archive.Archive(context.Background(), "stripe", "evt_1", body, receivedAt)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	want := "gs://fulfillment-webhooks/webhooks/stripe/2026/03/01/evt_1.json"
	if location != want {
		t.Fatalf("expected %s, got %s", want, location)
	}
	stored := store.objects["fulfillment-webhooks/webhooks/stripe/2026/03/01/evt_1.json"]
	if !bytes.Equal(stored.data, body) {
		t.Fatalf("unexpected stored body %q", stored.data)
	}
	if stored.meta.ContentType != "application/json" || stored.meta.Metadata["eventId"] != "evt_1" {
		t.Fatalf("unexpected metadata %+v", stored.meta)
	}

	again, err := archive.Archive(context.Background(), "stripe", "evt_1", []byte(`{"id":"evt_1","retry":true}`), receivedAt)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again != location {
		t.Fatalf("redelivery must return the same location, got %s", again)
	}
	if !bytes.Equal(store.objects["fulfillment-webhooks/webhooks/stripe/2026/03/01/evt_1.json"].data, body) {
		t.Fatalf("first payload must be preserved")
	}
}

func TestWebhookArchiveWriteError(t *testing.T) {
	store := &memoryWriter{objects: map[string]memoryObject{}, writeErr: errors.New("network")}
	archive, err := newWebhookArchive(store, "bucket")
	if err != nil {
		t.Fatalf("newWebhookArchive: %v", err)
	}
	if _, err := archive.Archive(context.Background(), "stripe", "evt_1", []byte("{}"), time.Now()); err == nil {
		t.Fatalf("expected write error")
	}
	if len(store.objects) != 0 {
		t.Fatalf("failed writes must not store objects")
	}
}

func TestNewWebhookArchiveRequiresBucket(t *testing.T) {
	if _, err := newWebhookArchive(&memoryWriter{}, " "); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	if _, err := NewWebhookArchive(nil, "bucket"); err == nil {
		t.Fatalf("expected client error")
	}
}
