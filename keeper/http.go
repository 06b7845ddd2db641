package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

const (
	// SecretHeader carries the broker's shared secret on every keeper call.
	SecretHeader = "X-Service-Secret"

	verifyTimeout = 5 * time.Second
	reportTimeout = 10 * time.Second

	// verifyCacheTTL bounds how stale a cached verification may be. Only
	// successful verifications are cached, so revocation lags by at most the
	// TTL.
	verifyCacheTTL = 60 * time.Second
)

// errUnavailable is the uniform verification failure returned when the keeper
// cannot be reached or answers with a non-2xx status.
var errUnavailable = VerifyResponse{
	Valid: false,
	Error: "Authentication service unavailable",
}

type cacheEntry struct {
	res      VerifyResponse
	deadline time.Time
}

// HTTPClient talks to a real keeper over HTTP. It caches successful
// verifications for a short period keyed by the raw token.
type HTTPClient struct {
	baseURL    *url.URL
	secret     string
	region     string
	httpClient *http.Client

	clock func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a keeper client for the given base URL. The secret is
// sent as X-Service-Secret on every request, and region is stamped on every
// usage report.
func NewHTTPClient(baseURL *url.URL, secret, region string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		secret:     secret,
		region:     region,
		httpClient: &http.Client{},
		clock:      time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

func (c *HTTPClient) Verify(ctx context.Context, token, operation string, quantity float64) VerifyResponse {
	now := c.clock()

	c.mu.Lock()
	entry, ok := c.cache[token]
	c.mu.Unlock()
	if ok && now.Before(entry.deadline) {
		return entry.res
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	var res VerifyResponse
	err := c.post(ctx, "/v1/services/verify", VerifyRequest{
		Token:     token,
		Service:   Service,
		Operation: operation,
		Quantity:  quantity,
	}, &res)
	if err != nil {
		return errUnavailable
	}

	if res.Valid {
		c.mu.Lock()
		c.cache[token] = cacheEntry{res: res, deadline: now.Add(verifyCacheTTL)}
		// Opportunistically drop expired entries so the cache doesn't grow
		// with dead tokens.
		for k, e := range c.cache {
			if !now.Before(e.deadline) {
				delete(c.cache, k)
			}
		}
		c.mu.Unlock()
	}
	return res
}

func (c *HTTPClient) ReportUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	var res ReportResponse
	err := c.post(ctx, "/v1/services/usage", ReportRequest{
		Service: Service,
		Region:  c.region,
		Records: records,
	}, &res)
	if err != nil {
		return xerrors.Errorf("report %d usage records: %w", len(records), err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return xerrors.Errorf("parse url: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err = enc.Encode(body)
	if err != nil {
		return xerrors.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("do: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return xerrors.Errorf("keeper returned status %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	err = json.NewDecoder(res.Body).Decode(out)
	if err != nil {
		return xerrors.Errorf("decode response: %w", err)
	}
	return nil
}
