package igclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"zenflow/internal/metrics"
)

// doer is the shared HTTP plumbing of the Graph and mobile clients.
type doer struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func newDoer(httpClient *http.Client) doer {
	return doer{
		httpClient:  httpClient,
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("IG_API_MAX_ATTEMPTS", 4),
		baseBackoff: time.Duration(getEnvInt("IG_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

// do waits on the limiter, sends req with retries, and returns the body of a
// 2xx response. Anything else becomes an *Error via classify.
func (d doer) do(ctx context.Context, req *http.Request, endpoint string, classify func(int, []byte) *Error) ([]byte, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, transportError(err)
		}
	}
	resp, err := d.doWithRetry(ctx, req, endpoint)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, classify(resp.StatusCode, body)
	}
	return body, nil
}

// doWithRetry retries 429 and 5xx with exponential backoff, honoring
// Retry-After. Non-idempotent requests are retried on 429 only.
func (d doer) doWithRetry(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	backoff := d.baseBackoff
	attempts := d.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	idempotent := req.Method == http.MethodGet || req.Method == http.MethodHead
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.IncAPIRetry(endpoint)
		}
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := d.httpClient.Do(r)
		if err == nil {
			retryable := resp.StatusCode == http.StatusTooManyRequests ||
				(idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
			if !retryable || attempt == attempts {
				return resp, nil
			}
			wait := retryAfter(resp.Header.Get("Retry-After"), backoff)
			_ = resp.Body.Close()
			// jitter +/-20%
			jitter := time.Duration(float64(wait) * 0.2)
			if jitter > 0 {
				wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			continue
		}
		lastErr = err
		if ctx.Err() != nil || !idempotent || attempt == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after retries: %w", lastErr)
}

func retryAfter(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
