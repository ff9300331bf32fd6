package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle types used by the workflow engine.
const (
	BundleTypeDocument            = "document"
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeSearchset           = "searchset"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	LastModified *time.Time      `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// ParseBundle decodes raw JSON and checks that it is a Bundle.
func ParseBundle(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// PeekResourceType reads only the resourceType of a raw resource.
func PeekResourceType(raw []byte) string {
	var r struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return r.ResourceType
}
