package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LinkScore is one classifier verdict for a candidate URL.
type LinkScore struct {
	URL       string  `json:"url"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reason"`
	Priority  int     `json:"priority"`
}

// Classifier scores candidate URLs against a research topic. Implementations
// may fail; the evaluator substitutes the heuristic for failed chunks.
type Classifier interface {
	Classify(ctx context.Context, topic, pageContext string, urls []string) ([]LinkScore, error)
}

// Summarizer produces a research summary over crawled content. Failures are
// swallowed by callers: a run never fails because a summary could not be made.
type Summarizer interface {
	Summarize(ctx context.Context, topic string, contents []string) (string, error)
}

// RateLimiter implements a token bucket for limiting classifier API calls.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a bucket holding maxTokens, refilling one token
// every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// GetToken takes a token from the bucket, refilling first based on elapsed
// time. Returns false when the bucket is empty.
func (r *RateLimiter) GetToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(r.lastRefill) / r.refillRate)
	if tokensToAdd > 0 {
		r.tokens = min(r.maxTokens, r.tokens+tokensToAdd)
		r.lastRefill = now
	}

	if r.tokens > 0 {
		r.tokens--
		return true
	}
	return false
}

// chatMessage is a single message in a chat-completion request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const classifierSystemPrompt = `You are a research assistant ranking web links. ` +
	`For every URL you are given, judge how relevant it is to the research topic ` +
	`using the URL itself and the provided context from already-crawled pages. ` +
	`Respond with ONLY a JSON array, one object per URL, of the form ` +
	`[{"url":"...","score":0.0,"reason":"...","priority":1}] where score is a ` +
	`float in [0,1] and priority is an integer in [1,10].`

// HTTPClassifier calls a llama-server-compatible chat completion endpoint.
type HTTPClassifier struct {
	client      *http.Client
	endpoint    string
	temperature float64
	maxRetries  int
	baseDelay   time.Duration
	limiter     *RateLimiter
}

// NewHTTPClassifier creates a classifier for the given chat endpoint.
func NewHTTPClassifier(endpoint string, temperature float64, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if temperature <= 0 {
		temperature = 0.3
	}
	return &HTTPClassifier{
		client:      &http.Client{Timeout: timeout},
		endpoint:    endpoint,
		temperature: temperature,
		maxRetries:  2,
		baseDelay:   time.Second,
		limiter:     NewRateLimiter(5, 12*time.Second),
	}
}

// Classify sends one batch of URLs to the chat endpoint and parses the
// per-URL scores out of the model's JSON reply.
func (c *HTTPClassifier) Classify(ctx context.Context, topic, pageContext string, urls []string) ([]LinkScore, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Research topic: %s\n", topic)
	if pageContext != "" {
		fmt.Fprintf(&prompt, "\nContext from pages crawled so far:\n%s\n", pageContext)
	}
	prompt.WriteString("\nURLs to rank:\n")
	for _, u := range urls {
		fmt.Fprintf(&prompt, "- %s\n", u)
	}

	content, err := c.complete(ctx, classifierSystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}

	scores, err := parseScores(content)
	if err != nil {
		return nil, fmt.Errorf("unparseable classifier reply: %w", err)
	}
	return scores, nil
}

// Summarize asks the model for a concise research summary of the crawled
// content bundle.
func (c *HTTPClassifier) Summarize(ctx context.Context, topic string, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Research topic: %s\n\nSummarize the key findings from the following crawled pages in a few paragraphs:\n", topic)
	budget := 8000
	for _, content := range contents {
		if budget <= 0 {
			break
		}
		if len(content) > budget {
			content = content[:budget]
		}
		budget -= len(content)
		prompt.WriteString("\n---\n")
		prompt.WriteString(content)
	}

	return c.complete(ctx, "You are a research assistant writing concise, factual summaries.", prompt.String())
}

// complete performs one chat completion with rate limiting and bounded
// retry using exponential backoff with jitter.
func (c *HTTPClassifier) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:      false,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for !c.limiter.GetToken() {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			logrus.Debugf("Retrying classifier request in %v (attempt %d/%d)", delay, attempt, c.maxRetries)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to create classifier request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("classifier returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			continue
		}

		var parsed chatResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to decode classifier response: %w", err)
			continue
		}
		if len(parsed.Choices) == 0 {
			lastErr = fmt.Errorf("classifier returned no choices")
			continue
		}
		return parsed.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("classifier unavailable after %d attempts: %w", c.maxRetries+1, lastErr)
}

// parseScores extracts the JSON array from a model reply, tolerating code
// fences and surrounding prose.
func parseScores(content string) ([]LinkScore, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}

	var scores []LinkScore
	if err := json.Unmarshal([]byte(content[start:end+1]), &scores); err != nil {
		return nil, err
	}
	return scores, nil
}
