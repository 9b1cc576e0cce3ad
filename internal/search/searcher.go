// Package search composes the record store, the embedding client, and the
// similarity engine into the retrieval surface the host exposes.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/glimpse/internal/similarity"
	"github.com/kalambet/glimpse/internal/storage"
)

// RecordReader is the read-side of the record store the searcher needs.
type RecordReader interface {
	SearchText(query string, limit int) ([]storage.Screenshot, error)
	AllWithEmbeddings() ([]storage.Screenshot, error)
	ListRecent(limit int) ([]storage.Screenshot, error)
	ListByApp(appID string, limit int) ([]storage.Screenshot, error)
	ListApps() ([]string, error)
}

// Embedder turns a query string into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one search hit. Score is the cosine similarity for semantic
// matches and zero for literal text matches, which are not ranked.
type Result struct {
	Screenshot storage.Screenshot
	Score      float32
}

// Searcher answers queries text-first: a literal match over extracted text
// wins outright, and only an empty text result falls through to embedding
// the query and ranking the vector corpus.
type Searcher struct {
	store    RecordReader
	embedder Embedder
	engine   *similarity.Engine
	logger   *slog.Logger
}

// New creates a Searcher over the given store and embedding client.
func New(store RecordReader, embedder Embedder, engine *similarity.Engine) *Searcher {
	return &Searcher{
		store:    store,
		embedder: embedder,
		engine:   engine,
		logger:   slog.Default(),
	}
}

// Search returns up to k results for query. A blank query matches nothing.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	shots, err := s.store.SearchText(query, k)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	if len(shots) > 0 {
		results := make([]Result, len(shots))
		for i, shot := range shots {
			results[i] = Result{Screenshot: shot}
		}
		return results, nil
	}

	return s.semantic(ctx, query, k)
}

// semantic embeds the query and ranks the snapshot of processed records that
// carry an embedding.
func (s *Searcher) semantic(ctx context.Context, query string, k int) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) == 0 {
		s.logger.Debug("query produced no embedding", "query_len", len(query))
		return nil, nil
	}

	shots, err := s.store.AllWithEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("loading vector corpus: %w", err)
	}

	byID := make(map[string]storage.Screenshot, len(shots))
	corpus := make([]similarity.Entry, len(shots))
	for i, shot := range shots {
		byID[shot.ID] = shot
		corpus[i] = similarity.Entry{ID: shot.ID, Vector: shot.Embedding}
	}

	matches := s.engine.Search(vec, corpus, k)
	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{Screenshot: byID[m.ID], Score: m.Score}
	}
	return results, nil
}

// Recent returns the newest records regardless of status.
func (s *Searcher) Recent(limit int) ([]storage.Screenshot, error) {
	return s.store.ListRecent(limit)
}

// ByApp returns the newest records captured from one source app.
func (s *Searcher) ByApp(appID string, limit int) ([]storage.Screenshot, error) {
	return s.store.ListByApp(appID, limit)
}

// Apps returns the distinct source app ids present in the store.
func (s *Searcher) Apps() ([]string, error) {
	return s.store.ListApps()
}
