package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/cache"
)

// DecodeJobCursor parses an opaque page cursor. An empty string is the first page.
func DecodeJobCursor(cursorStr string) (*cache.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdAt, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var unixNano int64
	if _, err := fmt.Sscanf(createdAt, "%d", &unixNano); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &cache.JobCursor{
		CreatedAt: time.Unix(0, unixNano).UTC(),
		JobID:     jobID,
	}, nil
}

// EncodeJobCursor is the inverse of DecodeJobCursor. A job without a
// creation time sorts as the Unix epoch.
func EncodeJobCursor(cursor *cache.JobCursor) string {
	createdAt := cursor.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0)
	}
	cs := fmt.Sprintf("%d|%s", createdAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
