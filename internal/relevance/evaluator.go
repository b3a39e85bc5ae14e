// Package relevance decides which discovered links are worth the crawl
// budget: an AI classifier scores candidate URLs in batches against the
// research topic, with a deterministic heuristic standing in whenever the
// classifier is unavailable.
package relevance

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/research"
)

// Evaluation defaults.
const (
	DefaultMaxBatchSize = 20
	DefaultThreshold    = 0.5

	// contextCharBudget caps how much already-crawled context is sent to
	// the classifier per chunk.
	contextCharBudget = 1000
)

// BatchEvaluation is the aggregate outcome of one EvaluateBatch call.
type BatchEvaluation struct {
	Results        []research.LinkRelevanceResult `json:"results"`
	TotalEvaluated int                            `json:"total_evaluated"`
	AboveThreshold int                            `json:"above_threshold"`
	BelowThreshold int                            `json:"below_threshold"`
	AverageScore   float64                        `json:"average_score"`
}

// Evaluator batches candidate URLs through a Classifier. It owns no
// persistent state: each call is a pure scoring function plus, at most,
// a network call.
type Evaluator struct {
	classifier Classifier
	onFallback func(urls int)
}

// NewEvaluator creates an Evaluator. classifier may be nil, in which case
// every chunk is scored by the heuristic.
func NewEvaluator(classifier Classifier) *Evaluator {
	return &Evaluator{classifier: classifier}
}

// OnFallback registers a hook called with the chunk size whenever a
// classifier call fails and the chunk is scored by the heuristic instead.
func (e *Evaluator) OnFallback(fn func(urls int)) {
	e.onFallback = fn
}

// EvaluateBatch scores urls against the topic. URLs are split into chunks
// of at most maxBatchSize; each chunk is sent to the classifier with up to
// ~1000 characters of context drawn from existing content summaries. A
// chunk whose classifier call fails falls back to the deterministic
// heuristic, so the call never returns an error and every input URL
// receives exactly one result.
func (e *Evaluator) EvaluateBatch(ctx context.Context, urls []string, topic string, existingSummaries []string, threshold float64, maxBatchSize int) BatchEvaluation {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	pageContext := buildContext(existingSummaries, contextCharBudget)

	evaluation := BatchEvaluation{TotalEvaluated: len(urls)}
	var scoreSum float64

	for start := 0; start < len(urls); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]

		for _, result := range e.evaluateChunk(ctx, chunk, topic, pageContext, threshold) {
			scoreSum += result.RelevanceScore
			if result.ShouldCrawl {
				evaluation.AboveThreshold++
			} else {
				evaluation.BelowThreshold++
			}
			evaluation.Results = append(evaluation.Results, result)
		}
	}

	if evaluation.TotalEvaluated > 0 {
		evaluation.AverageScore = scoreSum / float64(evaluation.TotalEvaluated)
	}
	return evaluation
}

// evaluateChunk scores one chunk via the classifier, re-associating results
// by URL since the classifier may reorder them. URLs the classifier missed,
// and whole chunks whose call failed, are scored by the heuristic.
func (e *Evaluator) evaluateChunk(ctx context.Context, chunk []string, topic, pageContext string, threshold float64) []research.LinkRelevanceResult {
	scoresByURL := make(map[string]LinkScore, len(chunk))
	if e.classifier != nil {
		scores, err := e.classifier.Classify(ctx, topic, pageContext, chunk)
		if err != nil {
			logrus.Debugf("Classifier failed for chunk of %d URLs, falling back to heuristic: %v", len(chunk), err)
			if e.onFallback != nil {
				e.onFallback(len(chunk))
			}
		} else {
			for _, score := range scores {
				scoresByURL[score.URL] = score
			}
		}
	}

	results := make([]research.LinkRelevanceResult, 0, len(chunk))
	for _, candidate := range chunk {
		var score float64
		var reasoning string
		var priority int

		if classified, ok := scoresByURL[candidate]; ok {
			score = clamp01(classified.Score)
			reasoning = classified.Reasoning
			priority = classified.Priority
			if priority < 1 || priority > 10 {
				priority = PriorityFromScore(score)
			}
		} else {
			score, reasoning = HeuristicScore(candidate, topic)
			priority = PriorityFromScore(score)
		}

		results = append(results, research.LinkRelevanceResult{
			URL:            candidate,
			RelevanceScore: score,
			Reasoning:      reasoning,
			Priority:       priority,
			ShouldCrawl:    score >= threshold,
		})
	}
	return results
}

// RankURLs orders evaluation results by (priority desc, relevanceScore
// desc). The sort is stable, so equal entries keep their discovery order.
func RankURLs(results []research.LinkRelevanceResult) []research.LinkRelevanceResult {
	ranked := make([]research.LinkRelevanceResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	return ranked
}

// buildContext joins summaries newest-first into a bounded context block.
func buildContext(summaries []string, budget int) string {
	var parts []string
	remaining := budget
	for i := len(summaries) - 1; i >= 0 && remaining > 0; i-- {
		summary := summaries[i]
		if len(summary) > remaining {
			// Trim on a rune boundary so the classifier never sees a
			// split UTF-8 sequence.
			cut := remaining
			for cut > 0 && !utf8.RuneStart(summary[cut]) {
				cut--
			}
			if cut == 0 {
				break
			}
			summary = summary[:cut]
		}
		remaining -= len(summary)
		parts = append(parts, summary)
	}
	return strings.Join(parts, "\n")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
