package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the processing state of a screenshot record.
type Status string

const (
	// StatusPending means the record is waiting to be claimed for analysis.
	StatusPending Status = "pending"
	// StatusProcessing means one analysis attempt is currently in flight.
	StatusProcessing Status = "processing"
	// StatusProcessed means analysis completed; the record may still lack an
	// embedding if the embedding call returned nothing.
	StatusProcessed Status = "processed"
	// StatusFailed means analysis gave up; the record keeps any partial data
	// and can be re-queued explicitly.
	StatusFailed Status = "failed"
)

// Screenshot is one captured screen image plus its derived analysis.
//
// ExtractedText distinguishes "not analysed yet" (NULL) from "analysed, no
// text found" (valid, empty string). Embedding is nil until the embedding
// stage produces one; an empty result from the service also leaves it nil.
type Screenshot struct {
	ID            string
	FilePath      string
	CapturedAt    time.Time
	AppID         string
	AppLabel      string
	ExtractedText sql.NullString
	Embedding     []float32
	Categories    []string
	Tags          []string
	Description   string
	Status        Status
	RetryCount    int
	LastError     string
	RunAfter      time.Time
	UpdatedAt     time.Time
}

// AnalysisUpdate carries the fields produced by a successful analysis
// attempt. Applied as a single atomic update together with the transition
// to StatusProcessed.
type AnalysisUpdate struct {
	ExtractedText string
	Embedding     []float32
	Categories    []string
	Tags          []string
	Description   string
}
