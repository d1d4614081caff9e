package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// GoogleAPIBase is the Cloud Translation v2 REST endpoint.
const GoogleAPIBase = "https://translation.googleapis.com"

// maxSegmentsPerRequest is the Translation v2 limit on the number of
// text segments in a single request.
const maxSegmentsPerRequest = 128

// ---------------------------------------------------------------------------
// Rate limit state (global pause shared by parallel workers)
// ---------------------------------------------------------------------------

type rateLimitState struct {
	mu       sync.Mutex
	paused   int32 // atomic: 1 = paused
	pauseEnd time.Time
}

func (r *rateLimitState) isPaused() bool {
	return atomic.LoadInt32(&r.paused) == 1
}

func (r *rateLimitState) pause(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseEnd = time.Now().Add(duration)
	atomic.StoreInt32(&r.paused, 1)
}

func (r *rateLimitState) unpause() {
	atomic.StoreInt32(&r.paused, 0)
}

// waitIfPaused blocks until the rate limit pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.isPaused() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.unpause()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(remaining, 100*time.Millisecond)):
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP client with proxy support
// ---------------------------------------------------------------------------

func makeHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	// Support both an explicit proxy and HTTP_PROXY/HTTPS_PROXY env vars
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// ---------------------------------------------------------------------------
// Rate limit: parse 429 response for retry delay
// ---------------------------------------------------------------------------

// parseRetryDelay extracts the retry delay from a 429 response body.
// Looks for Google's RetryInfo detail with retryDelay field.
// Returns the delay to wait, defaulting to 60s + 5s buffer.
func parseRetryDelay(body []byte) time.Duration {
	const defaultDelay = 65 * time.Second

	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil {
		return defaultDelay
	}

	for _, detail := range errResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			// Parse duration like "30s", "45.123s"
			d := strings.TrimSuffix(detail.RetryDelay, "s")
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				return time.Duration(secs*1000)*time.Millisecond + 5*time.Second
			}
		}
	}

	return defaultDelay
}

// ---------------------------------------------------------------------------
// Google Cloud Translation v2 client
// ---------------------------------------------------------------------------

// GoogleClient calls the Cloud Translation v2 REST API with API key
// authentication. Construct it once per run with NewGoogleClient and
// share it between workers; it has no mutable per-call state beyond the
// rate limit pause.
type GoogleClient struct {
	// BaseURL is the API base URL (default GoogleAPIBase).
	BaseURL string
	// APIKey authenticates requests via the x-goog-api-key header.
	APIKey string
	// MaxRetries is the retry budget per request on 429/5xx/transport
	// errors (default 3).
	MaxRetries int
	// Verbose logs each request attempt.
	Verbose bool

	client *http.Client
	rl     *rateLimitState
}

// NewGoogleClient builds a Translation v2 client. An empty proxy URL
// falls back to the HTTP_PROXY/HTTPS_PROXY environment variables; a zero
// timeout defaults to 30s.
func NewGoogleClient(apiKey, proxy string, timeout time.Duration, maxRetries int) *GoogleClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GoogleClient{
		BaseURL:    GoogleAPIBase,
		APIKey:     apiKey,
		MaxRetries: maxRetries,
		client:     makeHTTPClient(proxy, timeout),
		rl:         &rateLimitState{},
	}
}

// Translate sends texts to the Translation v2 API and returns the
// translations in the same order. Requests are split at the API's
// 128-segment limit. Empty input strings are passed through unchanged
// without an API call.
func (g *GoogleClient) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// Strip empty segments; the API rejects empty q values.
	nonEmpty := make([]string, 0, len(texts))
	slots := make([]int, 0, len(texts))
	for i, t := range texts {
		if t != "" {
			nonEmpty = append(nonEmpty, t)
			slots = append(slots, i)
		}
	}

	out := make([]string, len(texts))
	for start := 0; start < len(nonEmpty); start += maxSegmentsPerRequest {
		end := min(start+maxSegmentsPerRequest, len(nonEmpty))
		translated, err := g.translateChunk(ctx, nonEmpty[start:end], source, target)
		if err != nil {
			return nil, err
		}
		for i, text := range translated {
			out[slots[start+i]] = text
		}
	}
	return out, nil
}

// translateChunk performs a single API call (≤128 segments) with the
// retry loop: exponential backoff on transport and 5xx errors, RetryInfo
// delay plus a global worker pause on 429.
func (g *GoogleClient) translateChunk(ctx context.Context, texts []string, source, target string) ([]string, error) {
	body, err := json.Marshal(struct {
		Q      []string `json:"q"`
		Source string   `json:"source"`
		Target string   `json:"target"`
		Format string   `json:"format"`
	}{
		Q:      texts,
		Source: source,
		Target: target,
		Format: "text",
	})
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("building request: %w", err)}
	}

	endpoint := strings.TrimRight(g.BaseURL, "/") + "/language/translate/v2"

	for attempt := 0; attempt <= g.MaxRetries; attempt++ {
		// Wait if globally paused (rate limit hit by another worker)
		if err := g.rl.waitIfPaused(ctx); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("creating request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")
		if g.APIKey != "" {
			req.Header.Set("x-goog-api-key", g.APIKey)
		}

		if g.Verbose {
			log.Printf("[DEBUG] translate attempt %d: POST %s (%d segments)", attempt+1, endpoint, len(texts))
		}

		resp, err := g.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < g.MaxRetries {
				wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return nil, &Error{Err: fmt.Errorf("API request failed: %w", err)}
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryDelay := parseRetryDelay(respBody)
			if g.Verbose {
				log.Printf("[WARN] 429 rate limited, waiting %v before retry (attempt %d/%d)", retryDelay, attempt+1, g.MaxRetries)
			}
			g.rl.pause(retryDelay)
			if attempt < g.MaxRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(retryDelay):
				}
				g.rl.unpause()
				continue
			}
			return nil, &Error{Err: fmt.Errorf("rate limited after %d retries: %s", g.MaxRetries, truncate(string(respBody), 300))}
		}

		if resp.StatusCode != http.StatusOK {
			if attempt < g.MaxRetries && resp.StatusCode >= 500 {
				wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return nil, &Error{Err: fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 300))}
		}

		return parseTranslateResponse(respBody, len(texts))
	}

	return nil, &Error{Err: fmt.Errorf("exhausted all %d retries", g.MaxRetries)}
}

// parseTranslateResponse decodes a v2 response and checks that the
// translation count matches the request.
func parseTranslateResponse(body []byte, want int) ([]string, error) {
	var resp struct {
		Data struct {
			Translations []struct {
				TranslatedText string `json:"translatedText"`
			} `json:"translations"`
		} `json:"data"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Err: fmt.Errorf("invalid JSON response: %v", err)}
	}
	if resp.Error.Message != "" {
		return nil, &Error{Err: fmt.Errorf("API error: %s", resp.Error.Message)}
	}
	if len(resp.Data.Translations) != want {
		return nil, &Error{Err: fmt.Errorf("got %d translations for %d segments", len(resp.Data.Translations), want)}
	}

	out := make([]string, want)
	for i, tr := range resp.Data.Translations {
		// The API occasionally entity-escapes text even in text format.
		out[i] = html.UnescapeString(tr.TranslatedText)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
