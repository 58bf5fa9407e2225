package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
)

// RateLimitedClient wraps the HTTP calls a rail makes. It enforces the rail's
// rate limit before each request, retries transient failures with jittered
// backoff, and serves repeated GETs from a short-lived cache.
//
// The limit is a fixed window in redis keyed per tenant and rail, so every
// instance of the service shares one budget. Without redis it degrades to an
// in-process ticker, which is also what keeps tests network-only.
type RateLimitedClient struct {
	rail        string
	baseURL     string
	authHeader  string
	authValue   string
	http        *http.Client
	limitPerMin int64
	maxRetries  int
	cacheTTL    time.Duration
	limiter     <-chan time.Time

	// test seams
	sleep func(time.Duration)
	now   func() time.Time
}

// ClientOptions configures a RateLimitedClient. Zero values fall back to env
// or defaults.
type ClientOptions struct {
	Rail        string
	BaseURL     string
	AuthHeader  string
	AuthValue   string
	LimitPerMin int64
	MaxRetries  int
	CacheTTL    time.Duration
	HTTPClient  *http.Client
}

func NewRateLimitedClient(opts ClientOptions) (*RateLimitedClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("base url is empty")
	}
	limit := opts.LimitPerMin
	if limit <= 0 {
		limit = int64(envInt("SYNC_RATE_LIMIT_PER_MIN", 60))
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = envInt("SYNC_MAX_RETRIES", 4)
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = utils.GetCacheLifespan()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	return &RateLimitedClient{
		rail:        opts.Rail,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		authHeader:  opts.AuthHeader,
		authValue:   opts.AuthValue,
		http:        hc,
		limitPerMin: limit,
		maxRetries:  retries,
		cacheTTL:    ttl,
		limiter:     time.Tick(time.Minute / time.Duration(limit)),
		sleep:       time.Sleep,
		now:         time.Now,
	}, nil
}

// waitForBudget blocks until the request fits the rail's budget. With redis
// available the window is shared across instances; otherwise the local ticker
// paces this process alone.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, tenantId string) error {
	if config.GetRedisDB() == nil {
		select {
		case <-c.limiter:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", tenantId, c.rail)
	for {
		count, err := config.IncrRedisWindow(ctx, key, time.Minute)
		if err != nil {
			// Redis down must not stop syncing; fall back to the ticker.
			select {
			case <-c.limiter:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if count <= c.limitPerMin {
			return nil
		}
		select {
		case <-time.After(time.Second + time.Duration(rand.Intn(500))*time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetJSON fetches path with query params, returning the raw body. Responses
// are cached briefly so a burst of identical reads costs one rail call.
func (c *RateLimitedClient) GetJSON(ctx context.Context, path string, params url.Values) ([]byte, error) {
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	query := params.Encode()

	cacheKey := utils.CacheKey(tenantId, c.rail, path, query)
	if cached, err := utils.RetrieveCached[string](cacheKey); err == nil && cached != nil {
		return []byte(*cached), nil
	}

	body, err := c.do(ctx, tenantId, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	cacheVal := string(body)
	_ = utils.StoreCached(cacheKey, &cacheVal, c.cacheTTL)
	return body, nil
}

// PostJSON sends a write to the rail. Writes are never cached and never
// retried past the first attempt unless the failure is clearly transient,
// since a blind retry of a non-idempotent call can double-execute.
func (c *RateLimitedClient) PostJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	return c.do(ctx, tenantId, http.MethodPost, path, "", payload)
}

func (c *RateLimitedClient) do(ctx context.Context, tenantId string, method string, path string, query string, payload []byte) ([]byte, error) {
	op := fmt.Sprintf("%s %s %s", c.rail, method, path)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(retryDelay(attempt))
		}
		if err := c.waitForBudget(ctx, tenantId); err != nil {
			return nil, &TransientSyncError{Op: op, Err: err}
		}

		body, retryable, err := c.attempt(ctx, method, path, query, payload)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if method != http.MethodGet {
			// One retry only for writes.
			if attempt >= 1 {
				break
			}
		}
	}
	if trans, ok := lastErr.(*TransientSyncError); ok {
		return nil, trans
	}
	return nil, &TransientSyncError{Op: op, Err: lastErr}
}

// attempt performs one HTTP exchange and classifies its outcome.
func (c *RateLimitedClient) attempt(ctx context.Context, method string, path string, query string, payload []byte) ([]byte, bool, error) {
	op := fmt.Sprintf("%s %s %s", c.rail, method, path)
	endpoint := c.baseURL + path
	if query != "" {
		endpoint = endpoint + "?" + query
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, false, &FatalSyncError{Op: op, Err: err}
	}
	if c.authHeader != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, &TransientSyncError{Op: op, Err: ctx.Err()}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, &TransientSyncError{Op: op, Err: err}
		}
		return nil, true, &TransientSyncError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, &TransientSyncError{Op: op, Err: httpError(resp.StatusCode, body)}
	default:
		// 401/403 and the rest of 4xx: retrying cannot help.
		return nil, false, &FatalSyncError{Op: op, Err: httpError(resp.StatusCode, body)}
	}
}

func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return fmt.Errorf("rail api error %d: %s", status, msg)
}

// retryDelay doubles per attempt with jitter, capped at 30s.
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			d = 30 * time.Second
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
