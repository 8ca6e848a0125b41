package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/pipeline"
	"github.com/finquill/finquill/internal/worker"
)

type fakeDocumentStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]models.Document
}

func (s *fakeDocumentStore) Document(_ context.Context, id uuid.UUID) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return models.Document{}, errors.New("not found")
	}
	return doc, nil
}

func (s *fakeDocumentStore) TransitionDocument(_ context.Context, id uuid.UUID, to models.DocumentStatus) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return models.Document{}, errors.New("not found")
	}
	if !models.CanTransition(doc.Status, to) {
		return models.Document{}, errors.New("conflict")
	}
	doc.Status = to
	doc.UpdatedAt = time.Now()
	doc.Error = nil
	doc.ErroredAt = nil
	s.docs[id] = doc
	return doc, nil
}

func (s *fakeDocumentStore) RecordDocumentError(_ context.Context, id uuid.UUID, docErr models.DocumentError) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return models.Document{}, errors.New("not found")
	}
	now := time.Now()
	doc.Error = &docErr
	doc.ErroredAt = &now
	doc.UpdatedAt = now
	s.docs[id] = doc
	return doc, nil
}

type fakeParser struct {
	chunks []string
	err    error
	block  bool // parse until the context is cancelled
}

func (p *fakeParser) Parse(ctx context.Context, _ string) ([]string, error) {
	if p.block {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	return p.chunks, p.err
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[uuid.UUID][]string
	err     error
}

func (i *fakeIndexer) IndexChunks(_ context.Context, _, documentID uuid.UUID, chunks []string) error {
	if i.err != nil {
		return i.err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.indexed == nil {
		i.indexed = make(map[uuid.UUID][]string)
	}
	i.indexed[documentID] = chunks
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType string, payload any) error {
	if _, err := json.Marshal(payload); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobType)
	return nil
}

type documentFixture struct {
	docs    *pipeline.Documents
	store   *fakeDocumentStore
	bus     *recordingBus
	parser  *fakeParser
	indexer *fakeIndexer
	queue   *fakeQueue
	doc     models.Document
}

func newDocumentFixture(t *testing.T, status models.DocumentStatus, timeLimit time.Duration) *documentFixture {
	t.Helper()
	doc := models.Document{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Filename:    "annual-report.txt",
		StoragePath: "/tmp/annual-report.txt",
		Status:      status,
		UpdatedAt:   time.Now(),
	}
	store := &fakeDocumentStore{docs: map[uuid.UUID]models.Document{doc.ID: doc}}
	b := &recordingBus{}
	parser := &fakeParser{chunks: []string{"Revenue grew 18% in Q3.", "Margins held at 31%."}}
	indexer := &fakeIndexer{}
	queue := &fakeQueue{}

	return &documentFixture{
		docs:    pipeline.NewDocuments(store, b, parser, indexer, queue, timeLimit, slog.Default()),
		store:   store,
		bus:     b,
		parser:  parser,
		indexer: indexer,
		queue:   queue,
		doc:     doc,
	}
}

func (f *documentFixture) statuses() []models.DocumentStatus {
	var out []models.DocumentStatus
	for _, ev := range f.bus.published() {
		if env, ok := ev.envelope.(models.DocumentStatusEnvelope); ok {
			out = append(out, env.Status)
		}
	}
	return out
}

func TestDocumentsProcessHappyPath(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploaded, time.Second)

	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID))

	stored := f.store.docs[f.doc.ID]
	assert.Equal(t, models.DocumentReady, stored.Status)
	assert.Nil(t, stored.Error)
	assert.Equal(t, f.parser.chunks, f.indexer.indexed[f.doc.ID])
	assert.Equal(t, []models.DocumentStatus{models.DocumentProcessing, models.DocumentReady}, f.statuses())
}

func TestDocumentsProcessRejectsUploading(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploading, time.Second)

	err := f.docs.Process(context.Background(), f.doc.ID)
	require.Error(t, err, "an in-progress upload must never enter processing")
	assert.Equal(t, models.DocumentUploading, f.store.docs[f.doc.ID].Status)
}

func TestDocumentsProcessReprocessesReady(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentReady, time.Second)

	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID))
	assert.Equal(t, models.DocumentReady, f.store.docs[f.doc.ID].Status)
}

func TestDocumentsProcessRecordsParseFailure(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploaded, time.Second)
	f.parser.err = errors.New("encrypted file")

	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID), "a recorded parse failure is not redelivered")

	stored := f.store.docs[f.doc.ID]
	assert.Equal(t, models.DocumentProcessing, stored.Status, "a failed document keeps its last status")
	require.NotNil(t, stored.Error)
	assert.Equal(t, pipeline.ErrorCodeParse, stored.Error.Code)
	assert.NotNil(t, stored.ErroredAt)

	events := f.bus.published()
	last, ok := events[len(events)-1].envelope.(models.DocumentStatusEnvelope)
	require.True(t, ok)
	require.NotNil(t, last.Error)
	assert.Equal(t, pipeline.ErrorCodeParse, last.Error.Code)
}

func TestDocumentsProcessRecordsIndexFailure(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploaded, time.Second)
	f.indexer.err = errors.New("store unavailable")

	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID))

	stored := f.store.docs[f.doc.ID]
	require.NotNil(t, stored.Error)
	assert.Equal(t, pipeline.ErrorCodeIndex, stored.Error.Code)
}

func TestDocumentsProcessTimeLimit(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploaded, 20*time.Millisecond)
	f.parser.block = true

	err := f.docs.Process(context.Background(), f.doc.ID)
	require.ErrorIs(t, err, worker.ErrTimeLimit, "a deadline propagates for redelivery")

	stored := f.store.docs[f.doc.ID]
	require.NotNil(t, stored.Error)
	assert.Equal(t, pipeline.ErrorCodeTimeLimit, stored.Error.Code)
}

func TestDocumentsProcessClearsPriorError(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploaded, time.Second)
	f.parser.err = errors.New("encrypted file")
	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID))
	require.NotNil(t, f.store.docs[f.doc.ID].Error)

	f.parser.err = nil
	require.NoError(t, f.docs.Process(context.Background(), f.doc.ID))

	stored := f.store.docs[f.doc.ID]
	assert.Equal(t, models.DocumentReady, stored.Status)
	assert.Nil(t, stored.Error, "a successful run clears the previous error annotation")
	assert.Nil(t, stored.ErroredAt)
}

func TestDocumentsMarkUploaded(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploading, time.Second)

	doc, err := f.docs.MarkUploaded(context.Background(), f.doc.UserID, f.doc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.DocumentUploaded, doc.Status)
	assert.Equal(t, []string{pipeline.JobProcessDocument}, f.queue.jobs)
	assert.Equal(t, []models.DocumentStatus{models.DocumentUploaded}, f.statuses())
}

func TestDocumentsMarkUploadedWrongOwner(t *testing.T) {
	f := newDocumentFixture(t, models.DocumentUploading, time.Second)

	_, err := f.docs.MarkUploaded(context.Background(), uuid.New(), f.doc.ID)
	require.ErrorIs(t, err, pipeline.ErrNotOwner)
	assert.Empty(t, f.queue.jobs)
}

func TestDocumentsTriggerProcessingGuards(t *testing.T) {
	t.Run("uploading is rejected", func(t *testing.T) {
		f := newDocumentFixture(t, models.DocumentUploading, time.Second)
		err := f.docs.TriggerProcessing(context.Background(), f.doc.UserID, f.doc.ID)
		require.ErrorIs(t, err, pipeline.ErrNotUploaded)
	})

	t.Run("recent processing is suppressed", func(t *testing.T) {
		f := newDocumentFixture(t, models.DocumentProcessing, time.Second)
		err := f.docs.TriggerProcessing(context.Background(), f.doc.UserID, f.doc.ID)
		require.ErrorIs(t, err, pipeline.ErrAlreadyProcessing)
		assert.Empty(t, f.queue.jobs)
	})

	t.Run("stale processing is re-enqueued", func(t *testing.T) {
		f := newDocumentFixture(t, models.DocumentProcessing, time.Second)
		doc := f.store.docs[f.doc.ID]
		doc.UpdatedAt = time.Now().Add(-11 * time.Minute)
		f.store.docs[f.doc.ID] = doc

		require.NoError(t, f.docs.TriggerProcessing(context.Background(), f.doc.UserID, f.doc.ID))
		assert.Equal(t, []string{pipeline.JobProcessDocument}, f.queue.jobs)
	})

	t.Run("errored processing is re-enqueued", func(t *testing.T) {
		f := newDocumentFixture(t, models.DocumentProcessing, time.Second)
		doc := f.store.docs[f.doc.ID]
		now := time.Now()
		doc.Error = &models.DocumentError{Code: pipeline.ErrorCodeParse, Message: "encrypted file"}
		doc.ErroredAt = &now
		f.store.docs[f.doc.ID] = doc

		require.NoError(t, f.docs.TriggerProcessing(context.Background(), f.doc.UserID, f.doc.ID))
		assert.Equal(t, []string{pipeline.JobProcessDocument}, f.queue.jobs)
	})

	t.Run("unknown document", func(t *testing.T) {
		f := newDocumentFixture(t, models.DocumentUploaded, time.Second)
		err := f.docs.TriggerProcessing(context.Background(), f.doc.UserID, uuid.New())
		require.ErrorIs(t, err, pipeline.ErrDocumentNotFound)
	})
}
