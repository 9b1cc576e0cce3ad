// Package analysis turns a captured screenshot into a searchable record:
// it recognizes on-screen text, embeds it, and derives categories, tags,
// and a description.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/glimpse/internal/storage"
)

// ErrImageMissing marks a permanent failure: the referenced image file is
// gone, so there is nothing a retry could recover. The scheduler checks for
// it with errors.Is; every other pipeline error is transient.
var ErrImageMissing = errors.New("screenshot image missing")

// TextExtractor recognizes text in a raster image.
type TextExtractor interface {
	Extract(ctx context.Context, image []byte) (string, error)
}

// Embedder generates embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer runs a chat completion for the tagging prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Pipeline executes the per-record analysis stages in order. Each stage has
// its own failure policy:
//
//   - a missing image file is permanent (wraps ErrImageMissing);
//   - text extraction errors degrade to empty text, never failing the job;
//   - embedding transport errors are transient and returned for retry, while
//     an empty embedding result simply leaves the record unembedded;
//   - tagging errors of any kind fall back to deterministic defaults.
//
// Embeddings are worth retrying because they drive search quality; tagging
// is cosmetic enough that a flaky completion call must not hold a record in
// the retry loop.
type Pipeline struct {
	extractor TextExtractor
	embedder  Embedder
	completer Completer
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline with the given stage dependencies.
func NewPipeline(extractor TextExtractor, embedder Embedder, completer Completer) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		embedder:  embedder,
		completer: completer,
		logger:    slog.Default(),
	}
}

// Process runs all stages for one claimed record and returns the fields to
// persist. The caller decides retry vs. terminal failure from the error:
// errors.Is(err, ErrImageMissing) is permanent, anything else transient.
func (p *Pipeline) Process(ctx context.Context, shot storage.Screenshot) (storage.AnalysisUpdate, error) {
	image, err := os.ReadFile(shot.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.AnalysisUpdate{}, fmt.Errorf("loading image for %s: %w", shot.ID, ErrImageMissing)
		}
		return storage.AnalysisUpdate{}, fmt.Errorf("loading image for %s: %w", shot.ID, err)
	}

	text := p.extractText(ctx, shot.ID, image)

	embedding, err := p.embedText(ctx, shot.ID, text)
	if err != nil {
		return storage.AnalysisUpdate{}, err
	}

	tagging := p.tag(ctx, shot, text)

	return storage.AnalysisUpdate{
		ExtractedText: text,
		Embedding:     embedding,
		Categories:    tagging.Categories,
		Tags:          tagging.Tags,
		Description:   tagging.Description,
	}, nil
}

// extractText runs recognition on the image. Extraction is best effort: any
// error maps to empty text so the record still becomes searchable by its
// metadata and tags.
func (p *Pipeline) extractText(ctx context.Context, id string, image []byte) string {
	text, err := p.extractor.Extract(ctx, image)
	if err != nil {
		p.logger.Warn("text extraction failed", "screenshot_id", id, "stage", "extraction", "error", err)
		return ""
	}
	return text
}

// embedText fetches an embedding for non-blank text. Transport errors come
// back to the caller as transient failures; a successful call with no vector
// yields nil without failing the job.
func (p *Pipeline) embedText(ctx context.Context, id, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		p.logger.Warn("embedding failed", "screenshot_id", id, "stage", "embedding", "error", err)
		return nil, fmt.Errorf("embedding text for %s: %w", id, err)
	}
	if len(vec) == 0 {
		return nil, nil
	}
	return vec, nil
}

// Tagging is the categorization result for one screenshot.
type Tagging struct {
	Categories  []string `json:"categories"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// tag derives categories, tags, and a description. Never fails: blank text
// short-circuits to a fixed default, and any completion or parse error falls
// back to deterministic placeholders derived from the app label.
func (p *Pipeline) tag(ctx context.Context, shot storage.Screenshot, text string) Tagging {
	if strings.TrimSpace(text) == "" {
		return Tagging{
			Categories:  []string{},
			Tags:        []string{},
			Description: "Screenshot without text content",
		}
	}

	raw, err := p.completer.Complete(ctx, buildTaggingPrompt(shot.AppLabel, text))
	if err != nil {
		p.logger.Warn("tagging completion failed", "screenshot_id", shot.ID, "stage", "tagging", "error", err)
		return fallbackTagging(shot.AppLabel)
	}

	var result Tagging
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil {
		p.logger.Warn("tagging response unparseable", "screenshot_id", shot.ID, "stage", "tagging", "error", err)
		return fallbackTagging(shot.AppLabel)
	}
	return result
}

// fallbackTagging is the deterministic default used whenever the tagging
// call or its parsing fails.
func fallbackTagging(appLabel string) Tagging {
	return Tagging{
		Categories:  []string{"Uncategorized"},
		Tags:        []string{"screenshot", strings.ToLower(appLabel)},
		Description: "Screenshot from " + appLabel,
	}
}
