package services_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finquill/finquill/internal/services"
)

func TestRetrieverRanksByTermOverlap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()

	retriever := services.NewRetriever(store, newTestLogger())
	require.NoError(t, retriever.IndexChunks(ctx, userID, docID, []string{
		"Revenue grew 18% in the third quarter.",
		"The board declared a dividend of 2.10 per share.",
		"Cloud revenue now represents 40% of total revenue.",
	}))

	entries, err := retriever.GetContext(ctx, []uuid.UUID{docID}, userID, "How did cloud revenue develop?")
	require.NoError(t, err)
	require.Len(t, entries, 2, "the dividend chunk shares no query term")
	assert.Contains(t, entries[0].Text, "Cloud revenue", "the chunk matching both terms ranks first")
}

func TestRetrieverEmptyCases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()

	retriever := services.NewRetriever(store, newTestLogger())

	entries, err := retriever.GetContext(ctx, nil, userID, "anything")
	require.NoError(t, err)
	assert.Empty(t, entries, "no attached documents means no context")

	require.NoError(t, retriever.IndexChunks(ctx, userID, docID, []string{
		"Revenue grew 18% in the third quarter.",
	}))

	entries, err = retriever.GetContext(ctx, []uuid.UUID{docID}, userID, "weather forecast tomorrow")
	require.NoError(t, err)
	assert.Empty(t, entries, "an off-topic query matches nothing")

	entries, err = retriever.GetContext(ctx, []uuid.UUID{docID}, uuid.New(), "revenue")
	require.NoError(t, err)
	assert.Empty(t, entries, "another user's tenant sees nothing")
}

func TestRetrieverCapsEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()

	var chunks []string
	for i := 0; i < 30; i++ {
		chunks = append(chunks, fmt.Sprintf("Revenue note %d for the quarter.", i))
	}
	retriever := services.NewRetriever(store, newTestLogger())
	require.NoError(t, retriever.IndexChunks(ctx, userID, docID, chunks))

	entries, err := retriever.GetContext(ctx, []uuid.UUID{docID}, userID, "revenue")
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestFileParserChunksParagraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	content := strings.Join([]string{
		"First paragraph about revenue.",
		"Second paragraph about margins.",
		"Third paragraph about cash flow.",
	}, "\n\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	parser := services.NewFileParser(70)
	chunks, err := parser.Parse(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, chunks, 2, "two short paragraphs pack into one chunk")
	assert.Contains(t, chunks[0], "First paragraph")
	assert.Contains(t, chunks[0], "Second paragraph")
	assert.Contains(t, chunks[1], "Third paragraph")
}

func TestFileParserMissingFile(t *testing.T) {
	parser := services.NewFileParser(0)
	_, err := parser.Parse(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
