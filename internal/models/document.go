package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	// DocumentUploading means the client holds an upload slot but the file is not stored yet.
	DocumentUploading DocumentStatus = "uploading"
	// DocumentUploaded means the file is in the object store and ready for processing.
	DocumentUploaded DocumentStatus = "uploaded"
	// DocumentProcessing means ingestion is underway.
	DocumentProcessing DocumentStatus = "processing"
	// DocumentReady means the document is indexed and usable for retrieval.
	DocumentReady DocumentStatus = "ready"
)

// DocumentError is the error annotation recorded when ingestion fails.
type DocumentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Document represents an uploaded file and its ingestion state.
type Document struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Filename    string
	Status      DocumentStatus
	Error       *DocumentError
	ErroredAt   *time.Time
	StoragePath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanTransition reports whether a document may move between the two statuses. Processing
// may be re-entered from processing (manual retry) or ready (reprocessing), but never
// directly from uploading.
func CanTransition(from, to DocumentStatus) bool {
	switch to {
	case DocumentUploaded:
		return from == DocumentUploading
	case DocumentProcessing:
		return from == DocumentUploaded || from == DocumentProcessing || from == DocumentReady
	case DocumentReady:
		return from == DocumentProcessing
	default:
		return false
	}
}

// InFlight reports whether processing appears to be underway already: status is
// processing, no error is recorded, and the last update is within the grace window.
// This is a heuristic guard against double-triggering, not a lock; concurrent manual
// triggers can both pass it.
func (d Document) InFlight(now time.Time, grace time.Duration) bool {
	return d.Status == DocumentProcessing && d.Error == nil && now.Sub(d.UpdatedAt) <= grace
}
