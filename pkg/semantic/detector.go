// Package semantic scores untrusted text against a curated database of
// known injection phrasings using embedding similarity. It catches
// paraphrase attacks the regex fast path cannot: "please set aside your
// earlier directives" matches nothing in the pattern registry but sits
// right next to "ignore all previous instructions" in embedding space.
//
// The stage is strictly advisory. A high similarity forces escalation to
// the AI judges; it never produces an authoritative verdict on its own,
// and a deployment without an embedding source simply runs without it.
package semantic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// DefaultThreshold is the similarity at which a match counts as a threat
// signal. Tuned low enough to catch paraphrases, high enough that ordinary
// business text stays clear.
const DefaultThreshold float32 = 0.65

// Result is one similarity lookup.
type Result struct {
	Score       float32 // best similarity, 0..1
	Category    string  // category of the best match
	MatchedText string  // seed phrase that matched
	IsThreat    bool    // Score >= threshold and category is not benign
}

// Detector wraps an in-process chromem-go collection of seed phrases.
type Detector struct {
	db         *chromem.DB
	collection *chromem.Collection

	mu        sync.RWMutex
	threshold float32
	ready     bool
}

// NewDetector builds a detector around the given embedding function. The
// collection is empty until Seed is called.
func NewDetector(embed chromem.EmbeddingFunc) (*Detector, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}

	db := chromem.NewDB()
	collection, err := db.CreateCollection("injection_seeds", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Detector{
		db:         db,
		collection: collection,
		threshold:  DefaultThreshold,
	}, nil
}

// Seed embeds and indexes the seed phrase database. Documents are added
// with a single worker so a rate-limited embedding API is not hammered at
// startup.
func (d *Detector) Seed(ctx context.Context, seeds []SeedPhrase) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(seeds) == 0 {
		seeds = DefaultSeeds()
	}

	docs := make([]chromem.Document, len(seeds))
	for i, s := range seeds {
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("seed_%d", i),
			Content: s.Text,
			Metadata: map[string]string{
				"category": s.Category,
			},
		}
	}

	if err := d.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("index seeds: %w", err)
	}

	d.ready = true
	return nil
}

// Ready reports whether Seed has completed.
func (d *Detector) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// SetThreshold overrides the similarity threshold.
func (d *Detector) SetThreshold(t float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = t
}

// Score looks up the text against the seed database using the configured
// threshold.
func (d *Detector) Score(ctx context.Context, text string) (*Result, error) {
	d.mu.RLock()
	threshold := d.threshold
	d.mu.RUnlock()
	return d.ScoreWithThreshold(ctx, text, threshold)
}

// ScoreWithThreshold looks up the text with a caller-supplied threshold,
// for callers that want a looser match when other signals are ambiguous.
func (d *Detector) ScoreWithThreshold(ctx context.Context, text string, threshold float32) (*Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.ready {
		return nil, fmt.Errorf("detector not seeded")
	}

	// Lowercasing tightens similarity for case-mangled paraphrases.
	results, err := d.collection.Query(ctx, strings.ToLower(text), 3, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	if len(results) == 0 {
		return &Result{Category: CategoryBenign}, nil
	}

	best := results[0]
	category := best.Metadata["category"]

	// A strong benign match means the text lives in safe territory even
	// if an attack seed is nearby.
	if category == CategoryBenign && best.Similarity > threshold {
		return &Result{Category: CategoryBenign}, nil
	}

	return &Result{
		Score:       best.Similarity,
		Category:    category,
		MatchedText: best.Content,
		IsThreat:    best.Similarity >= threshold && category != CategoryBenign,
	}, nil
}
