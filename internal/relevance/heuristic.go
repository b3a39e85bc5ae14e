package relevance

import (
	"math"
	"net/url"
	"strings"
)

// Heuristic scoring weights. The heuristic is fully deterministic: the same
// URL and topic always produce the same score. It is used whenever the AI
// classifier is unavailable so that evaluation never hard-fails.
const (
	heuristicBase     = 0.5
	keywordBonus      = 0.1
	keywordBonusCap   = 0.3
	eduGovBonus       = 0.15
	orgBonus          = 0.10
	docsBonus         = 0.15
	refPathBonus      = 0.10
	researchPathBonus = 0.15
	pdfBonus          = 0.10
	markdownBonus     = 0.05
	blogPenalty       = 0.05
	taxonomyPenalty   = 0.10
	minKeywordLength  = 4 // topic words longer than 3 chars count as keywords
)

var (
	refPathSegments      = []string{"/api/", "/reference/", "/guide/", "/tutorial/"}
	researchPathSegments = []string{"/research/", "/papers/", "/publications/"}
	blogPathSegments     = []string{"/blog/", "/news/"}
	taxonomyPathSegments = []string{"/category/", "/tag/"}
)

// TopicKeywords extracts the deduplicated lowercase topic words longer
// than three characters, in order of first appearance.
func TopicKeywords(topic string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.FieldsFunc(strings.ToLower(topic), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < minKeywordLength || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

func containsAny(path string, segments []string) bool {
	for _, segment := range segments {
		if strings.Contains(path, segment) {
			return true
		}
	}
	return false
}

// HeuristicScore scores a URL against a topic without any network call.
// The returned score is clamped to [0,1].
func HeuristicScore(rawURL, topic string) (float64, string) {
	score := heuristicBase
	var reasons []string

	lowerURL := strings.ToLower(rawURL)
	var host, path string
	if parsed, err := url.Parse(lowerURL); err == nil {
		host = parsed.Hostname()
		path = parsed.EscapedPath()
	}

	matched := 0
	for _, keyword := range TopicKeywords(topic) {
		if strings.Contains(lowerURL, keyword) {
			matched++
		}
	}
	if matched > 0 {
		bonus := math.Min(keywordBonus*float64(matched), keywordBonusCap)
		score += bonus
		reasons = append(reasons, "topic keywords in URL")
	}

	switch {
	case strings.HasSuffix(host, ".edu") || strings.HasSuffix(host, ".gov"):
		score += eduGovBonus
		reasons = append(reasons, "educational/government domain")
	case strings.HasSuffix(host, ".org"):
		score += orgBonus
		reasons = append(reasons, "organization domain")
	}

	if strings.Contains(path, "/docs/") {
		score += docsBonus
		reasons = append(reasons, "documentation path")
	}
	if containsAny(path, refPathSegments) {
		score += refPathBonus
		reasons = append(reasons, "reference path")
	}
	if containsAny(path, researchPathSegments) {
		score += researchPathBonus
		reasons = append(reasons, "research path")
	}

	switch {
	case strings.HasSuffix(path, ".pdf"):
		score += pdfBonus
		reasons = append(reasons, "PDF document")
	case strings.HasSuffix(path, ".md"):
		score += markdownBonus
		reasons = append(reasons, "markdown document")
	}

	if containsAny(path, blogPathSegments) {
		score -= blogPenalty
		reasons = append(reasons, "blog/news path")
	}
	if containsAny(path, taxonomyPathSegments) {
		score -= taxonomyPenalty
		reasons = append(reasons, "category/tag listing")
	}

	score = math.Max(0, math.Min(1, score))

	reasoning := "heuristic: baseline"
	if len(reasons) > 0 {
		reasoning = "heuristic: " + strings.Join(reasons, ", ")
	}
	return score, reasoning
}

// PriorityFromScore maps a relevance score to an integer priority in [1,10].
func PriorityFromScore(score float64) int {
	priority := int(math.Ceil(score * 10))
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priority
}
