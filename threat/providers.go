package threat

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aegis/core"

	"golang.org/x/time/rate"
)

// DefaultVirusTotalURL is the public VirusTotal v3 API
const DefaultVirusTotalURL = "https://www.virustotal.com/api/v3"

// HTTPFeedConfig configures a VirusTotal-compatible HTTP feed
type HTTPFeedConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	Breaker           core.CircuitBreakerConfig
}

// HTTPFeed queries a VirusTotal v3 compatible API
type HTTPFeed struct {
	name           string
	baseURL        string
	apiKey         string
	client         *http.Client
	limiter        *rate.Limiter
	circuitBreaker *core.CircuitBreaker
}

// NewHTTPFeed creates a feed. A zero breaker config uses the defaults.
func NewHTTPFeed(cfg HTTPFeedConfig) (*HTTPFeed, error) {
	if cfg.Name == "" {
		cfg.Name = "virustotal"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVirusTotalURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid feed base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker = core.DefaultCircuitBreakerConfig()
	}
	breaker, err := core.NewCircuitBreaker(cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", cfg.Name, err)
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &HTTPFeed{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		limiter:        rate.NewLimiter(limit, cfg.Burst),
		circuitBreaker: breaker,
	}, nil
}

// Name returns the feed name
func (f *HTTPFeed) Name() string { return f.name }

func (f *HTTPFeed) endpoint(value string, iocType IOCType) (string, error) {
	escaped := url.PathEscape(value)
	switch iocType {
	case IOCTypeIP:
		return f.baseURL + "/ip_addresses/" + escaped, nil
	case IOCTypeDomain:
		return f.baseURL + "/domains/" + escaped, nil
	case IOCTypeHash:
		return f.baseURL + "/files/" + escaped, nil
	case IOCTypeURL:
		id := base64.RawURLEncoding.EncodeToString([]byte(value))
		return f.baseURL + "/urls/" + id, nil
	}
	return "", fmt.Errorf("unsupported IOC type: %s", iocType)
}

type analysisResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Categories map[string]string `json:"categories"`
			Tags       []string          `json:"tags"`
			Reputation int               `json:"reputation"`
		} `json:"attributes"`
	} `json:"data"`
}

// CheckIOC looks up one indicator. Rate limiting and an open breaker yield
// a non-malicious verdict tagged in metadata rather than an error.
func (f *HTTPFeed) CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error) {
	endpoint, err := f.endpoint(value, iocType)
	if err != nil {
		return nil, err
	}

	if err := f.circuitBreaker.Allow(); err != nil {
		intel := cleanIntel(value, iocType, "Circuit breaker open - service unavailable")
		intel.Metadata["error"] = "circuit_breaker_open"
		return intel, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed %s rate limiter: %w", f.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-apikey", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("failed to query %s: %w", f.name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f.circuitBreaker.RecordFailure()
		intel := cleanIntel(value, iocType, "Rate limited")
		intel.Metadata["error"] = "rate_limited"
		return intel, nil
	case resp.StatusCode == http.StatusNotFound:
		f.circuitBreaker.RecordSuccess()
		return cleanIntel(value, iocType, "No threat intelligence found"), nil
	case resp.StatusCode != http.StatusOK:
		f.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("%s returned status %d", f.name, resp.StatusCode)
	}
	f.circuitBreaker.RecordSuccess()

	var body analysisResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	attrs := body.Data.Attributes
	stats := attrs.LastAnalysisStats
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected
	var confidence float64
	if total > 0 {
		confidence = float64(stats.Malicious) / float64(total)
	}

	tags := make([]string, 0, len(attrs.Categories)+len(attrs.Tags))
	for _, cat := range attrs.Categories {
		tags = append(tags, cat)
	}
	tags = append(tags, attrs.Tags...)

	malicious := stats.Malicious > 0
	description := "Clean"
	if malicious {
		description = fmt.Sprintf("Detected as malicious by %d/%d engines", stats.Malicious, total)
	}

	return &ThreatIntel{
		IOC:         value,
		Type:        iocType,
		IsMalicious: malicious,
		Confidence:  confidence,
		Tags:        tags,
		Description: description,
		Sources:     []string{f.name},
		References:  []string{endpoint},
		Metadata: map[string]string{
			"source":            f.name,
			"reputation":        fmt.Sprintf("%d", attrs.Reputation),
			"malicious_engines": fmt.Sprintf("%d", stats.Malicious),
			"total_engines":     fmt.Sprintf("%d", total),
		},
	}, nil
}
