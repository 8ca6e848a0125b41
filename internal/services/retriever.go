package services

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/models"
)

// maxContextEntries caps how many retrieval hits are handed to the model per query.
const maxContextEntries = 10

// Retriever serves grounding context from the indexed document chunks of a user's
// tenant. Ranking is lexical: chunks are scored by how many distinct query terms they
// contain.
type Retriever struct {
	store BoltStore

	logger *slog.Logger
}

// NewRetriever creates a retriever over the given store.
func NewRetriever(store BoltStore, logger *slog.Logger) Retriever {
	return Retriever{
		store:  store,
		logger: logger.With(slog.String("module", "retriever")),
	}
}

// IndexChunks makes parsed chunks retrievable for the user's tenant, replacing any
// chunks from a previous run of the same document.
func (r Retriever) IndexChunks(ctx context.Context, userID, documentID uuid.UUID, chunks []string) error {
	return r.store.PutChunks(ctx, userID, documentID, chunks)
}

// GetContext retrieves the best-matching chunks of the given documents for the query.
// Chunks sharing no term with the query are excluded, so an off-topic query returns
// nothing.
func (r Retriever) GetContext(
	ctx context.Context,
	documentIDs []uuid.UUID,
	userID uuid.UUID,
	query string,
) ([]models.ContextEntry, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}

	chunks, err := r.store.Chunks(ctx, userID, documentIDs)
	if err != nil {
		return nil, err
	}

	type hit struct {
		key   string
		text  string
		score int
	}

	terms := queryTerms(query)
	var hits []hit
	for key, text := range chunks {
		score := matchScore(text, terms)
		if score == 0 {
			continue
		}
		hits = append(hits, hit{key: key, text: text, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].key < hits[j].key
	})
	if len(hits) > maxContextEntries {
		hits = hits[:maxContextEntries]
	}

	r.logger.Debug("Retrieved context",
		slog.Int("chunks", len(chunks)),
		slog.Int("hits", len(hits)))

	entries := make([]models.ContextEntry, len(hits))
	for i, h := range hits {
		entries[i] = models.ContextEntry{
			// Chunk ids are stable across queries so clients can deduplicate
			// citations.
			ID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(h.key)),
			Text: h.text,
		}
	}
	return entries, nil
}

func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, term := range strings.FieldsFunc(strings.ToLower(query), isTermSeparator) {
		if len(term) < 3 {
			continue
		}
		terms[term] = struct{}{}
	}
	return terms
}

func matchScore(text string, terms map[string]struct{}) int {
	var score int
	lowered := strings.ToLower(text)
	for term := range terms {
		if strings.Contains(lowered, term) {
			score++
		}
	}
	return score
}

func isTermSeparator(r rune) bool {
	return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
}
