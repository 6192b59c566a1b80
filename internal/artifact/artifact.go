// Package artifact provides immutable execution artifacts and the blob
// store capability they are materialized through.
package artifact

import (
	"time"
)

// Kind classifies an artifact blob.
type Kind string

const (
	KindScreenshotLLM    Kind = "screenshot_llm"
	KindScreenshotStep   Kind = "screenshot_step"
	KindScreenshotAction Kind = "screenshot_action"
	KindHTMLScrape       Kind = "html_scrape"
	KindElementTree      Kind = "element_tree"
	KindIDToCSSMap       Kind = "id_to_css_map"
	KindHAR              Kind = "har"
	KindTrace            Kind = "trace"
	KindConsoleLog       Kind = "console_log"
	KindDownloadedFile   Kind = "downloaded_file"
	KindExtractedData    Kind = "extracted_data"
	KindVideo            Kind = "video"
	KindLog              Kind = "log"
)

// IsValidKind returns true if k is a valid artifact kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindScreenshotLLM, KindScreenshotStep, KindScreenshotAction,
		KindHTMLScrape, KindElementTree, KindIDToCSSMap, KindHAR, KindTrace,
		KindConsoleLog, KindDownloadedFile, KindExtractedData, KindVideo, KindLog:
		return true
	default:
		return false
	}
}

// Artifact is an immutable blob record. The URI is stable once recorded;
// the Sequence is monotonic within a step so readers can reconstruct
// action order.
type Artifact struct {
	// ID is the unique identifier (e.g., art_a1b2c3).
	ID string `json:"artifact_id"`

	// OrganizationID is the owning tenant.
	OrganizationID string `json:"organization_id"`

	// Kind classifies the blob.
	Kind Kind `json:"kind"`

	// URI addresses the blob in the blob store.
	URI string `json:"uri"`

	// BytesSize is the blob size, when known.
	BytesSize int64 `json:"bytes_size,omitempty"`

	// ContentType is the MIME type, when known.
	ContentType string `json:"content_type,omitempty"`

	// Parent references. At least one is set.
	TaskID        string `json:"task_id,omitempty"`
	StepID        string `json:"step_id,omitempty"`
	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	// Sequence orders artifacts within a step.
	Sequence int `json:"sequence"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}
