package storage

import (
	"fmt"
	"strings"
	"time"
)

// ArchivePathParams identify one archived webhook delivery.
type ArchivePathParams struct {
	Gateway    string
	EventID    string
	ReceivedAt time.Time
}

// BuildArchivePath lays webhook payloads out as webhooks/{gateway}/{yyyy}/{mm}/{dd}/{eventID}.json
// so lifecycle rules can expire whole days.
func BuildArchivePath(params ArchivePathParams) (string, error) {
	gateway, err := validateSegment("gateway", strings.ToLower(params.Gateway))
	if err != nil {
		return "", err
	}
	eventID, err := validateSegment("eventId", params.EventID)
	if err != nil {
		return "", err
	}
	if params.ReceivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	day := params.ReceivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json", gateway, day.Year(), int(day.Month()), day.Day(), eventID), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
