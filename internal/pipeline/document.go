package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/worker"
)

// DocumentJob is the payload of a process_document job.
type DocumentJob struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// reprocessGrace is the window within which a document already in processing with no
// recorded error is considered in flight and a manual reprocess is suppressed.
const reprocessGrace = 10 * time.Minute

// Document error codes recorded on ingestion failure.
const (
	ErrorCodeParse     = "parse_error"
	ErrorCodeIndex     = "index_error"
	ErrorCodeTimeLimit = "time_limit"
)

var (
	// ErrDocumentNotFound marks a structural failure: the job references a document
	// that does not exist.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrNotOwner is returned when a user operates on someone else's document.
	ErrNotOwner = errors.New("user is not the owner of the document")
	// ErrNotUploaded is returned when processing is requested for a document that
	// was never uploaded.
	ErrNotUploaded = errors.New("document is not uploaded yet")
	// ErrAlreadyProcessing is returned when the in-flight guard suppresses a manual
	// reprocess.
	ErrAlreadyProcessing = errors.New("document is already being processed")
)

// DocumentStore is the persistence surface of the ingestion pipeline. Transitions are
// guarded by models.CanTransition inside the store's transaction and clear any prior
// error annotation.
type DocumentStore interface {
	Document(ctx context.Context, id uuid.UUID) (models.Document, error)
	TransitionDocument(ctx context.Context, id uuid.UUID, to models.DocumentStatus) (models.Document, error)
	RecordDocumentError(ctx context.Context, id uuid.UUID, docErr models.DocumentError) (models.Document, error)
}

// Parser is the text-extraction collaborator. Layout inference is its problem; the
// pipeline only cares about the resulting chunks.
type Parser interface {
	Parse(ctx context.Context, storagePath string) ([]string, error)
}

// Indexer makes parsed chunks retrievable for one user's tenant.
type Indexer interface {
	IndexChunks(ctx context.Context, userID, documentID uuid.UUID, chunks []string) error
}

// Enqueuer triggers fire-and-forget background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) error
}

// Documents drives the document lifecycle: uploading → uploaded → processing → ready,
// publishing a document_status envelope on every transition and error annotation.
type Documents struct {
	store   DocumentStore
	bus     bus.Bus
	parser  Parser
	indexer Indexer
	queue   Enqueuer

	timeLimit time.Duration
	now       func() time.Time

	logger *slog.Logger
}

// NewDocuments creates the document ingestion pipeline.
func NewDocuments(
	store DocumentStore,
	b bus.Bus,
	parser Parser,
	indexer Indexer,
	queue Enqueuer,
	timeLimit time.Duration,
	logger *slog.Logger,
) *Documents {
	return &Documents{
		store:     store,
		bus:       b,
		parser:    parser,
		indexer:   indexer,
		queue:     queue,
		timeLimit: timeLimit,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "pipeline.document")),
	}
}

// MarkUploaded records that the client finished the upload and kicks off processing.
func (d *Documents) MarkUploaded(ctx context.Context, userID, documentID uuid.UUID) (models.Document, error) {
	doc, err := d.store.Document(ctx, documentID)
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if doc.UserID != userID {
		return models.Document{}, ErrNotOwner
	}

	doc, err = d.transition(ctx, documentID, models.DocumentUploaded)
	if err != nil {
		return models.Document{}, err
	}

	if err := d.queue.Enqueue(ctx, JobProcessDocument, DocumentJob{DocumentID: documentID}); err != nil {
		return models.Document{}, fmt.Errorf("failed to enqueue processing: %w", err)
	}
	return doc, nil
}

// TriggerProcessing enqueues a manual (re)process. A document still uploading cannot
// be processed; one that looks in flight within the grace window is not re-enqueued.
func (d *Documents) TriggerProcessing(ctx context.Context, userID, documentID uuid.UUID) error {
	doc, err := d.store.Document(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if doc.UserID != userID {
		return ErrNotOwner
	}
	if doc.Status == models.DocumentUploading {
		return ErrNotUploaded
	}
	if doc.InFlight(d.now(), reprocessGrace) {
		return ErrAlreadyProcessing
	}

	return d.queue.Enqueue(ctx, JobProcessDocument, DocumentJob{DocumentID: documentID})
}

// Process ingests one document under the wall-clock time limit: mark processing, parse
// the stored file, index the chunks, mark ready. A parse or index failure is recorded
// on the document and swallowed so a human can retrigger; a deadline is recorded as a
// time_limit error and re-raised so the worker's retry policy still applies.
func (d *Documents) Process(ctx context.Context, documentID uuid.UUID) error {
	doc, err := d.store.Document(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	d.logger.Info("Processing document",
		slog.String("documentID", documentID.String()),
		slog.String("status", string(doc.Status)))

	doc, err = d.transition(ctx, documentID, models.DocumentProcessing)
	if err != nil {
		return err
	}

	err = worker.RunWithDeadline(ctx, d.timeLimit, func(ctx context.Context) error {
		chunks, err := d.parser.Parse(ctx, doc.StoragePath)
		if err != nil {
			return &ingestError{code: ErrorCodeParse, err: err}
		}
		if err := d.indexer.IndexChunks(ctx, doc.UserID, doc.ID, chunks); err != nil {
			return &ingestError{code: ErrorCodeIndex, err: err}
		}
		return nil
	})

	switch {
	case err == nil:
		if _, err := d.transition(ctx, documentID, models.DocumentReady); err != nil {
			return err
		}
		return nil

	case errors.Is(err, worker.ErrTimeLimit):
		// Record the deadline before propagating so the error is observable even
		// though this job is being torn down.
		d.recordError(ctx, documentID, models.DocumentError{
			Code:    ErrorCodeTimeLimit,
			Message: err.Error(),
		})
		return err

	default:
		var ingest *ingestError
		if errors.As(err, &ingest) {
			// Recorded and swallowed; the document stays retryable through a
			// manual reprocess.
			d.recordError(ctx, documentID, models.DocumentError{
				Code:    ingest.code,
				Message: ingest.err.Error(),
			})
			return nil
		}
		return err
	}
}

// transition applies a guarded status change and publishes it.
func (d *Documents) transition(ctx context.Context, documentID uuid.UUID, to models.DocumentStatus) (models.Document, error) {
	doc, err := d.store.TransitionDocument(ctx, documentID, to)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to mark document %s: %w", to, err)
	}
	d.publishStatus(ctx, doc)
	return doc, nil
}

func (d *Documents) recordError(ctx context.Context, documentID uuid.UUID, docErr models.DocumentError) {
	doc, err := d.store.RecordDocumentError(ctx, documentID, docErr)
	if err != nil {
		d.logger.Error("Failed to record document error",
			slog.String("documentID", documentID.String()),
			slog.String("err", err.Error()))
		return
	}
	d.logger.Error("Document ingestion failed",
		slog.String("documentID", documentID.String()),
		slog.String("code", docErr.Code),
		slog.String("message", docErr.Message))
	d.publishStatus(ctx, doc)
}

func (d *Documents) publishStatus(ctx context.Context, doc models.Document) {
	topic := bus.DocumentTopic(doc.UserID, doc.ID)
	if err := d.bus.Publish(ctx, topic, models.NewDocumentStatusEnvelope(doc)); err != nil {
		// Status delivery is best-effort; the persisted state remains the truth.
		d.logger.Error("Failed to publish document status", slog.String("err", err.Error()))
	}
}

type ingestError struct {
	code string
	err  error
}

func (e *ingestError) Error() string {
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ingestError) Unwrap() error {
	return e.err
}
