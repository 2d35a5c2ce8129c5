package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions(baseURL string) Options {
	return Options{
		Channel:        "shopmall",
		BaseURL:        baseURL,
		APIKey:         "test-key",
		RatePerMinute:  60000, // ~1ms tick so tests don't wait on the limiter
		RetryMax:       2,
		TransientRetry: 2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
	}
}

func TestNewClient_ConfigurationMissing(t *testing.T) {
	_, err := NewClient(Options{Channel: "shopmall", BaseURL: "http://x"})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	_, err = NewClient(Options{Channel: "shopmall", APIKey: "k"})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestFetchPage_RateLimitedThenRecovers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"id":"a"},{"id":"b"}],"next_cursor":"tok2","has_more":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(fastOptions(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	page, err := c.FetchPage(context.Background(), "orders", Cursor{Watermark: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("expected recovery after 429s, got %v", err)
	}
	if len(page.Records) != 2 || page.NextCursor != "tok2" || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchPage_RateLimitExhaustedCarriesHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	opts := fastOptions(srv.URL)
	opts.RetryMax = 1
	c, err := NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.FetchPage(context.Background(), "orders", Cursor{})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %s", rl.RetryAfter)
	}
	if !IsRetryable(err) {
		t.Fatal("rate limited must classify as retryable")
	}
}

func TestFetchPage_RejectedIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"unknown stream"}`))
	}))
	defer srv.Close()

	c, err := NewClient(fastOptions(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchPage(context.Background(), "orders", Cursor{})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rej.Status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rej.Status)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("4xx must not be retried; got %d attempts", got)
	}
	if IsRetryable(err) {
		t.Fatal("rejected must not classify as retryable")
	}
}

func TestFetchPage_TransientRetriedThenRecovers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"items":[{"id":"x"}],"has_more":false}`))
	}))
	defer srv.Close()

	c, err := NewClient(fastOptions(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	page, err := c.FetchPage(context.Background(), "stock", Cursor{})
	if err != nil {
		t.Fatalf("expected recovery after 5xx, got %v", err)
	}
	if len(page.Records) != 1 || page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestFetchPage_TransientExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := fastOptions(srv.URL)
	opts.TransientRetry = 2
	c, err := NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchPage(context.Background(), "orders", Cursor{})
	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if tr.Attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", tr.Attempts)
	}
}

func TestFetchEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/E-42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"E-42","status":"open"}`))
	}))
	defer srv.Close()

	c, err := NewClient(fastOptions(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := c.FetchEntity(context.Background(), "orders", "E-42")
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("expected entity body")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status   int
		err      error
		expected attemptOutcome
	}{
		{200, nil, outcomeOK},
		{204, nil, outcomeOK},
		{429, nil, outcomeRateLimited},
		{500, nil, outcomeTransient},
		{503, nil, outcomeTransient},
		{0, errors.New("connection refused"), outcomeTransient},
		{400, nil, outcomeRejected},
		{401, nil, outcomeRejected},
		{404, nil, outcomeRejected},
	}
	for _, tc := range cases {
		if got := classify(tc.status, tc.err); got != tc.expected {
			t.Fatalf("classify(%d, %v) = %v, expected %v", tc.status, tc.err, got, tc.expected)
		}
	}
}

func TestBackoffIsCappedAndJittered(t *testing.T) {
	c := &httpClient{opts: Options{BackoffBase: 10 * time.Millisecond, BackoffCap: 80 * time.Millisecond}}
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %s", attempt, d)
		}
		if d > 80*time.Millisecond {
			t.Fatalf("attempt %d: backoff %s exceeds cap", attempt, d)
		}
	}
}
