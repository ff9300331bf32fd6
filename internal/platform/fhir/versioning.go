package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	// Remove weak indicator
	etag = strings.TrimPrefix(etag, "W/")
	// Remove quotes
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version id string. An empty version
// yields an empty ETag so callers can skip the precondition.
func FormatETag(versionID string) string {
	if versionID == "" {
		return ""
	}
	return fmt.Sprintf(`W/"%s"`, versionID)
}
