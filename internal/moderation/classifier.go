package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// Classifier is an external content classifier. Implementations must honour
// ctx cancellation.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierConfig holds OpenAI moderation settings.
type ClassifierConfig struct {
	APIKey    string
	BaseURL   string  // empty uses the public endpoint
	Model     string  // moderation model name
	Threshold float64 // category scores above this are reported even when unflagged
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Model:     "omni-moderation-latest",
		Threshold: 0.8,
	}
}

var errNoResults = errors.New("moderation: classifier returned no results")

// OpenAIClassifier calls the OpenAI moderation endpoint.
type OpenAIClassifier struct {
	client    *openai.Client
	model     string
	threshold float64
}

// NewOpenAIClassifier builds a classifier from config.
func NewOpenAIClassifier(cfg ClassifierConfig) *OpenAIClassifier {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClassifier{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		threshold: cfg.Threshold,
	}
}

// Classify sends text to the moderation endpoint and normalizes the first
// result.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: c.model,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("moderation: classify: %w", err)
	}
	if len(resp.Results) == 0 {
		return Classification{}, errNoResults
	}

	r := resp.Results[0]
	flags, err := toMap[bool](r.Categories)
	if err != nil {
		return Classification{}, err
	}
	scores, err := toMap[float64](r.CategoryScores)
	if err != nil {
		return Classification{}, err
	}
	return normalize(r.Flagged, flags, scores, c.threshold), nil
}

// normalize merges the provider's category flags with the score threshold.
// A message is flagged if the provider says so or any category crosses the
// threshold.
func normalize(flagged bool, flags map[string]bool, scores map[string]float64, threshold float64) Classification {
	seen := make(map[string]bool)
	for name, on := range flags {
		if on {
			seen[name] = true
		}
	}
	for name, score := range scores {
		if threshold > 0 && score > threshold {
			seen[name] = true
		}
	}

	cats := make([]string, 0, len(seen))
	for name := range seen {
		cats = append(cats, name)
	}
	sort.Strings(cats)

	return Classification{
		Flagged:    flagged || len(cats) > 0,
		Categories: cats,
		Scores:     scores,
	}
}

// toMap round-trips a tagged struct through JSON so category names come from
// the provider's wire format.
func toMap[V any](v any) (map[string]V, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("moderation: encode categories: %w", err)
	}
	out := make(map[string]V)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("moderation: decode categories: %w", err)
	}
	return out, nil
}
