// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

/*
client.go - Remote Repository API Client

This file provides the HTTP communication layer for a remote content
repository's paginated JSON API.

Client Features:
  - HTTP client with configurable timeout
  - Basic authentication with the domain's sync credentials
  - Optional custom CA certificate for self-signed remotes
  - Rate limiting ahead of every request (x/time/rate)
  - Circuit breaker protection around the transport (sony/gobreaker)
  - Context support for cancellation and timeouts

Error Contract:
A missing base URL is a configuration invariant violation and returns a
syncerr error. Everything else (transport failures, non-200 statuses,
malformed JSON) is logged and surfaces as an empty result, so one bad
page never aborts a sync run.
*/
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/syncerr"
)

// DefaultAPIBase is the path segment used when a domain does not
// configure its own.
const DefaultAPIBase = "api/v1"

// maxErrorBodySize limits the response body read for error reporting.
// Prevents unbounded memory allocation on large error responses.
const maxErrorBodySize = 64 * 1024 // 64KB

// readBodyForError reads the response body for error reporting (max 64KB).
// Returns the body content or a placeholder message if reading fails.
func readBodyForError(r io.Reader) []byte {
	limitedReader := io.LimitReader(r, maxErrorBodySize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

// Client handles communication with one remote repository's JSON API.
//
// Thread Safety: Safe for concurrent use. Each request creates its own
// HTTP request.
type Client struct {
	domain   string
	baseURL  string
	apiBase  string
	username string
	password string

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]

	retryAttempts int
	retryDelay    time.Duration
}

// New creates a client for the given domain. The only hard failure is an
// unreadable or unparsable CA certificate file.
func New(dc *config.DomainConfig, sc *config.SyncConfig) (*Client, error) {
	timeout := sc.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if dc.CertFile != "" {
		pem, err := os.ReadFile(dc.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate %s: %w", dc.CertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", dc.CertFile)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if sc.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sc.RequestsPerSecond), 1)
	}

	apiBase := dc.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}

	return &Client{
		domain:        dc.Name,
		baseURL:       strings.TrimRight(dc.URL, "/"),
		apiBase:       strings.Trim(apiBase, "/"),
		username:      dc.Username,
		password:      dc.Password,
		client:        httpClient,
		limiter:       limiter,
		breaker:       newBreaker(dc.Name),
		retryAttempts: sc.RetryAttempts,
		retryDelay:    sc.RetryDelay,
	}, nil
}

// newBreaker builds the circuit breaker guarding the domain's transport.
// Opens after 60% failure rate with minimum 10 requests; 2 minute open
// period before probing again.
func newBreaker(domain string) *gobreaker.CircuitBreaker[*http.Response] {
	name := "remote-" + domain
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // 0 = closed

	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Domain returns the domain name this client serves.
func (c *Client) Domain() string {
	return c.domain
}

// resolveURL builds the request URL for an endpoint or passes an absolute
// URL through. Query parameters embedded in an absolute URL win over call
// parameters.
func (c *Client) resolveURL(endpoint string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", syncerr.New(http.StatusInternalServerError, "no base URL configured for domain %q", c.domain)
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", syncerr.New(http.StatusInternalServerError, "malformed URL %q: %v", endpoint, err)
		}
		merged := url.Values{}
		for k, vs := range query {
			merged[k] = vs
		}
		for k, vs := range parsed.Query() {
			merged[k] = vs
		}
		parsed.RawQuery = merged.Encode()
		return parsed.String(), nil
	}

	reqURL := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiBase, strings.TrimLeft(endpoint, "/"))
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	return reqURL, nil
}

// doRequest performs one authenticated GET through the rate limiter and
// circuit breaker. The caller owns the response body on success.
func (c *Client) doRequest(ctx context.Context, reqURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			body := readBodyForError(resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
		}
		return resp, nil
	})
}

// getDecoded fetches an endpoint and decodes the JSON body into result.
// Invariant violations (no base URL) come back as an error; everything
// else is logged and reported through the false return.
func (c *Client) getDecoded(ctx context.Context, endpoint string, query url.Values, result interface{}) (bool, error) {
	reqURL, err := c.resolveURL(endpoint, query)
	if err != nil {
		return false, err
	}

	resource := resourceLabel(endpoint)
	start := time.Now()

	resp, err := c.doRequest(ctx, reqURL)
	if err != nil {
		metrics.RecordRemoteRequest(c.domain, resource, time.Since(start), classifyError(err))
		logging.Warn().Err(err).Str("domain", c.domain).Str("url", reqURL).Msg("Remote request failed")
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyForError(resp.Body)
		metrics.RecordRemoteRequest(c.domain, resource, time.Since(start), fmt.Sprintf("status_%d", resp.StatusCode))
		logging.Warn().Int("status", resp.StatusCode).Str("domain", c.domain).Str("url", reqURL).Str("body", string(body)).Msg("Remote request returned non-OK status")
		return false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		metrics.RecordRemoteRequest(c.domain, resource, time.Since(start), "decode")
		logging.Warn().Err(err).Str("domain", c.domain).Str("url", reqURL).Msg("Failed to decode remote response")
		return false, nil
	}

	metrics.RecordRemoteRequest(c.domain, resource, time.Since(start), "")
	return true, nil
}

// classifyError maps a transport error to a metrics label.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case isBreakerError(err):
		return "breaker_open"
	case strings.Contains(err.Error(), "context deadline exceeded"):
		return "timeout"
	default:
		return "transport"
	}
}

func isBreakerError(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// resourceLabel collapses an endpoint to its leading segment so metric
// cardinality stays bounded.
func resourceLabel(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return "absolute"
	}
	endpoint = strings.TrimLeft(endpoint, "/")
	if i := strings.IndexByte(endpoint, '/'); i > 0 {
		return endpoint[:i]
	}
	return endpoint
}

// GetJSON fetches one page from an endpoint or absolute URL.
//
// The returned error is non-nil only for the missing-base-URL invariant.
// Transport failures and non-200 responses return an empty page.
func (c *Client) GetJSON(ctx context.Context, endpoint string, query url.Values) (*models.Page, error) {
	page := &models.Page{}
	ok, err := c.getDecoded(ctx, endpoint, query, page)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.RemotePagesFetched.WithLabelValues(c.domain).Inc()
	}
	return page, nil
}

// GetItems fetches the items of a single result page.
func (c *Client) GetItems(ctx context.Context, endpoint string, query url.Values) ([]models.Item, error) {
	page, err := c.GetJSON(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// GetFirstItem returns the first item of a result page, or nil when the
// page came back empty.
func (c *Client) GetFirstItem(ctx context.Context, endpoint string, query url.Values) (*models.Item, error) {
	items, err := c.GetItems(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// GetItemsWithRetry fetches items, retrying on empty results. The last
// result is returned even when still empty after all attempts.
func (c *Client) GetItemsWithRetry(ctx context.Context, endpoint string, query url.Values) ([]models.Item, error) {
	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var items []models.Item
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.RemoteRetries.WithLabelValues(c.domain).Inc()
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return items, ctx.Err()
			}
		}

		var err error
		items, err = c.GetItems(ctx, endpoint, query)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items, nil
		}
	}
	return items, nil
}

// EachItem walks an endpoint's result pages following the `next` links.
// The callback returns false to stop the walk early.
func (c *Client) EachItem(ctx context.Context, endpoint string, query url.Values, fn func(item *models.Item) bool) error {
	page, err := c.GetJSON(ctx, endpoint, query)
	if err != nil {
		return err
	}

	for {
		for i := range page.Items {
			if !fn(&page.Items[i]) {
				return nil
			}
		}
		if page.Next == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := c.GetJSON(ctx, page.Next, nil)
		if err != nil {
			return err
		}
		if len(next.Items) == 0 && next.Next == "" {
			return nil
		}
		page = next
	}
}

// ItemDetail fetches the full serialization of one object by UID,
// including all fields and workflow history.
func (c *Client) ItemDetail(ctx context.Context, uid string) (*models.Item, error) {
	query := url.Values{}
	query.Set("complete", "true")
	query.Set("workflow", "true")
	return c.GetFirstItem(ctx, uid, query)
}

// Version fetches the remote API version. A nil result means the remote
// did not answer.
func (c *Client) Version(ctx context.Context) (*models.Version, error) {
	version := &models.Version{}
	ok, err := c.getDecoded(ctx, "version", nil, version)
	if err != nil {
		return nil, err
	}
	if !ok || version.Version == "" {
		return nil, nil
	}
	return version, nil
}

// CurrentUser fetches the remote user the sync credentials authenticate
// as. A nil result means authentication failed.
func (c *Client) CurrentUser(ctx context.Context) (*models.RemoteUser, error) {
	var page struct {
		Items []models.RemoteUser `json:"items"`
	}
	ok, err := c.getDecoded(ctx, "users/current", nil, &page)
	if err != nil {
		return nil, err
	}
	if !ok || len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

// Download fetches a file field payload from its download URL.
func (c *Client) Download(ctx context.Context, fileURL string) ([]byte, error) {
	reqURL, err := c.resolveURL(fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, reqURL)
	if err != nil {
		logging.Warn().Err(err).Str("domain", c.domain).Str("url", fileURL).Msg("File download failed")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn().Int("status", resp.StatusCode).Str("domain", c.domain).Str("url", fileURL).Msg("File download returned non-OK status")
		return nil, nil
	}

	return io.ReadAll(resp.Body)
}
