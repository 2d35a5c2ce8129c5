package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/utils"
)

// Options configures one upstream client. Zero values fall back to defaults
// suitable for the heavily rate-limited ERP API.
type Options struct {
	Channel      string
	BaseURL      string
	APIKey       string
	APIKeyHeader string

	RatePerMinute  int
	MaxInFlight    int
	PageSize       int
	RetryMax       int           // retries on 429
	TransientRetry int           // retries on 5xx / network errors
	BackoffBase    time.Duration // first 429 backoff
	BackoffCap     time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Logger
}

type httpClient struct {
	opts     Options
	http     *http.Client
	limiter  <-chan time.Time
	inFlight chan struct{}
	logger   *logrus.Logger
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

// NewClient builds a rate-limited client for one upstream. It fails fast with
// ErrConfigurationMissing when the base URL or API key is absent so a job
// never starts against an unconfigured channel.
func NewClient(opts Options) (Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" || strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: channel=%s", ErrConfigurationMissing, opts.Channel)
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 30
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 2
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5
	}
	if opts.TransientRetry <= 0 {
		opts.TransientRetry = 2
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	interval := time.Minute / time.Duration(opts.RatePerMinute)
	return &httpClient{
		opts:     opts,
		http:     httpc,
		limiter:  time.Tick(interval),
		inFlight: make(chan struct{}, opts.MaxInFlight),
		logger:   opts.Logger,
	}, nil
}

// NewClientFromEnv builds a client for a channel from <CHANNEL>_API_BASE_URL,
// <CHANNEL>_API_KEY and friends.
func NewClientFromEnv(channel string, logger *logrus.Logger) (Client, error) {
	prefix := strings.ToUpper(channel)
	return NewClient(Options{
		Channel:       channel,
		BaseURL:       strings.TrimSpace(os.Getenv(prefix + "_API_BASE_URL")),
		APIKey:        strings.TrimSpace(os.Getenv(prefix + "_API_KEY")),
		APIKeyHeader:  strings.TrimSpace(os.Getenv(prefix + "_API_KEY_HEADER")),
		RatePerMinute: intEnv(prefix+"_RATE_LIMIT_PER_MIN", 0),
		PageSize:      intEnv(prefix+"_PAGE_SIZE", 0),
		Logger:        logger,
	})
}

func (c *httpClient) FetchPage(ctx context.Context, stream string, cursor Cursor) (Page, error) {
	params := url.Values{}
	if cursor.Watermark != "" {
		params.Set("updated_since", cursor.Watermark)
	}
	if cursor.Position != "" {
		params.Set("cursor", cursor.Position)
	}
	if cursor.NewestFirst {
		params.Set("order", "desc")
	}
	params.Set("limit", strconv.Itoa(c.opts.PageSize))

	body, err := c.get(ctx, stream, c.streamPath(stream), params)
	if err != nil {
		return Page{}, err
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Page{}, &RejectedError{Status: http.StatusOK, Body: "unparseable list response: " + err.Error()}
	}

	records := parsed.Data
	if len(records) == 0 {
		records = parsed.Items
	}
	hasMore := parsed.NextCursor != ""
	if parsed.HasMore != nil {
		hasMore = *parsed.HasMore
	}
	return Page{Records: records, NextCursor: parsed.NextCursor, HasMore: hasMore}, nil
}

func (c *httpClient) FetchEntity(ctx context.Context, stream string, id string) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("entity id is required")
	}
	return c.get(ctx, stream, c.streamPath(stream)+"/"+url.PathEscape(id), nil)
}

func (c *httpClient) streamPath(stream string) string {
	if v := strings.TrimSpace(os.Getenv(strings.ToUpper(c.opts.Channel) + "_" + strings.ToUpper(stream) + "_PATH")); v != "" {
		return v
	}
	return "/v1/" + stream
}

// get performs one logical request with rate limiting, bounded retries and
// error classification. Every attempt is logged.
func (c *httpClient) get(ctx context.Context, stream, path string, params url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var (
		rateAttempts      int
		transientAttempts int
		lastErr           error
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.limiter:
		}

		c.inFlight <- struct{}{}
		res, err := c.doOnce(ctx, endpoint)
		<-c.inFlight

		outcome := classify(res.status, err)
		c.logAttempt(ctx, stream, path, rateAttempts+transientAttempts+1, res.status, outcome, err)

		switch outcome {
		case outcomeOK:
			return res.body, nil

		case outcomeRateLimited:
			rateAttempts++
			hint := res.retryAfter
			if rateAttempts > c.opts.RetryMax {
				if hint <= 0 {
					hint = c.backoff(rateAttempts)
				}
				return nil, &RateLimitedError{RetryAfter: hint}
			}
			delay := c.backoff(rateAttempts)
			if hint > delay {
				delay = hint
			}
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}

		case outcomeTransient:
			transientAttempts++
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("upstream status %d", res.status)
			}
			if transientAttempts > c.opts.TransientRetry {
				return nil, &TransientError{Attempts: transientAttempts, Err: lastErr}
			}
			if !sleepCtx(ctx, c.backoff(transientAttempts)) {
				return nil, ctx.Err()
			}

		default: // outcomeRejected
			return nil, &RejectedError{Status: res.status, Body: truncate(string(res.body), 512)}
		}
	}
}

type attemptResult struct {
	body       []byte
	status     int
	retryAfter time.Duration
}

func (c *httpClient) doOnce(ctx context.Context, endpoint string) (attemptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return attemptResult{}, err
	}
	req.Header.Set(c.opts.APIKeyHeader, c.opts.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return attemptResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	res := attemptResult{body: body, status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); convErr == nil && secs > 0 {
			res.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return res, nil
}

type attemptOutcome int

const (
	outcomeOK attemptOutcome = iota
	outcomeRateLimited
	outcomeTransient
	outcomeRejected
)

func classify(status int, err error) attemptOutcome {
	if err != nil {
		return outcomeTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeOK
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status >= 500:
		return outcomeTransient
	default:
		return outcomeRejected
	}
}

// backoff returns an exponentially growing delay with jitter, capped.
func (c *httpClient) backoff(attempt int) time.Duration {
	delay := c.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.BackoffCap {
			delay = c.opts.BackoffCap
			break
		}
	}
	// Full jitter on the upper half keeps herds apart without starving.
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *httpClient) logAttempt(ctx context.Context, stream, path string, attempt, status int, outcome attemptOutcome, err error) {
	if c.logger == nil {
		return
	}
	fields := logrus.Fields{
		"channel": c.opts.Channel,
		"stream":  stream,
		"path":    path,
		"attempt": attempt,
		"status":  status,
		"outcome": outcomeName(outcome),
	}
	if workerID, ok := utils.GetWorkerIdFromContext(ctx); ok {
		fields["worker_id"] = workerID
	}
	if jobID, ok := utils.GetJobIdFromContext(ctx); ok {
		fields["job_id"] = jobID
	}
	entry := c.logger.WithFields(fields)
	if outcome == outcomeOK {
		entry.Debug("upstream request")
		return
	}
	if err != nil {
		entry.Warn("upstream request failed: " + err.Error())
		return
	}
	entry.Warn("upstream request failed")
}

func outcomeName(o attemptOutcome) string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeTransient:
		return "transient"
	default:
		return "rejected"
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
