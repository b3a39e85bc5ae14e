package relevance

import (
	"math"
	"testing"
)

func TestHeuristicScoreTable(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		topic string
		want  float64
	}{
		{"baseline", "https://something.io/page", "", 0.5},
		{"one topic keyword", "https://something.io/golang-intro", "golang concurrency", 0.6},
		{"two topic keywords", "https://something.io/golang-concurrency", "golang concurrency", 0.7},
		{"keyword bonus capped", "https://site.io/golang-concurrency-patterns-channels", "golang concurrency patterns channels", 0.8},
		{"edu domain", "https://research.mit.edu/page", "", 0.65},
		{"gov domain", "https://nasa.gov/page", "", 0.65},
		{"org domain", "https://example.org/page", "", 0.6},
		{"docs path", "https://example.io/docs/intro", "", 0.65},
		{"reference path", "https://example.io/api/v2/streams", "", 0.6},
		{"research path", "https://example.io/papers/2024", "", 0.65},
		{"pdf", "https://example.io/whitepaper.pdf", "", 0.6},
		{"markdown", "https://example.io/readme.md", "", 0.55},
		{"blog penalty", "https://example.io/blog/post-1", "", 0.45},
		{"taxonomy penalty", "https://example.io/category/misc", "", 0.4},
		{"clamped at one", "https://golang.edu/docs/research/api/paper.pdf", "golang", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasoning := HeuristicScore(tt.url, tt.topic)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("HeuristicScore(%q, %q) = %.3f, want %.3f (reasoning: %s)",
					tt.url, tt.topic, got, tt.want, reasoning)
			}
		})
	}
}

func TestHeuristicScoreDeterministic(t *testing.T) {
	url := "https://example.org/docs/golang-scheduler.pdf"
	topic := "golang scheduler internals"

	first, firstReason := HeuristicScore(url, topic)
	for i := 0; i < 10; i++ {
		score, reason := HeuristicScore(url, topic)
		if score != first || reason != firstReason {
			t.Fatalf("score varied across calls: %.3f vs %.3f", score, first)
		}
	}
}

func TestTopicKeywords(t *testing.T) {
	got := TopicKeywords("The Go GC: garbage collection in Go, garbage everywhere")
	want := []string{"garbage", "collection", "everywhere"}

	if len(got) != len(want) {
		t.Fatalf("TopicKeywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keyword[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPriorityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0, 1},
		{0.05, 1},
		{0.41, 5},
		{0.5, 5},
		{0.75, 8},
		{1.0, 10},
	}

	for _, tt := range tests {
		if got := PriorityFromScore(tt.score); got != tt.want {
			t.Errorf("PriorityFromScore(%.2f) = %d, want %d", tt.score, got, tt.want)
		}
	}
}
