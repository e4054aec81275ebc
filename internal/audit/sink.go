package audit

import (
	"context"
	"time"
)

// Record describes one OTA update check.
type Record struct {
	Time           time.Time `json:"time"`
	Organization   string    `json:"organization"`
	Project        string    `json:"project"`
	Node           string    `json:"node"`
	Attributes     string    `json:"attributes"`
	ClaimedVersion string    `json:"claimed_version,omitempty"`
	ClaimedDigest  string    `json:"claimed_digest,omitempty"`
	Outcome        string    `json:"outcome"`
	Status         int       `json:"status"`
	Candidate      string    `json:"candidate,omitempty"`
	Digest         string    `json:"digest,omitempty"`
	Error          string    `json:"error,omitempty"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
}

// Sink defines the interface for OTA check record ingestion (sink pattern)
// A sink only receives and stores data, it does not return query results
type Sink interface {
	// Ingest receives and stores OTA check records
	Ingest(ctx context.Context, records []Record) error
}
