// Package extract defines the boundary between the scheduler and the code that
// turns a rendered page into records.
package extract

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Request is one attempt's extraction input.
type Request struct {
	TaskID  string
	Attempt int
	Config  scrape.TaskConfig
	Browser *browser.Handle
	Proxy   string
}

// Record is what was captured from one URL.
type Record struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url"`
	StatusCode int               `json:"status_code"`
	Hash       string            `json:"hash"`
	BlobURI    string            `json:"blob_uri"`
	Fields     map[string]string `json:"fields,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// Result summarises an extraction.
type Result struct {
	Pages     int
	Records   []Record
	Bytes     int64
	Artifacts []string
}

// Extractor performs the scrape for a task once resources are held.
// Implementations return scrape.Fatal for errors a retry cannot fix.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// BlobStore persists raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher produces a stable digest of content.
type Hasher interface {
	Hash(data []byte) (string, error)
}
