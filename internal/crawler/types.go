package crawler

import (
	"net/http"
	"time"
)

// Section is one forum board to crawl.
type Section struct {
	// Name identifies the section in progress reports and records.
	Name string `json:"name" mapstructure:"name"`
	// BaseURL is the section index without pagination parameters.
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// MaxPages caps how deep into the section's pagination to go.
	MaxPages int `json:"max_pages" mapstructure:"max_pages"`
}

// Record is one forum thread extracted from a section page.
type Record struct {
	ID          string    `json:"id"`
	Section     string    `json:"section"`
	URL         string    `json:"url"`
	Page        int       `json:"page"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Replies     int       `json:"replies"`
	PostedAt    time.Time `json:"posted_at"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
