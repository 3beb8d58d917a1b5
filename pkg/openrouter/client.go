// Package openrouter is a thin HTTP client for the OpenRouter chat
// completions API. It performs single attempts; retry policy belongs to the
// caller.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MetaCrew/internal/conf"

	"github.com/google/wire"
	"golang.org/x/net/proxy"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultTimeout applies to calls made without an explicit timeout.
	DefaultTimeout = 120 * time.Second
	UserAgent      = "MetaCrew/1.0"
	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 8 << 20
)

// RetryBackoffs are the waits between catalogue fetch attempts.
var RetryBackoffs = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// ProviderSet is openrouter providers.
var ProviderSet = wire.NewSet(NewClientFromConfig)

type Options struct {
	BaseURL  string
	ProxyURL string
	// Referer and Title are sent as HTTP-Referer and X-Title for OpenRouter
	// app attribution.
	Referer string
	Title   string
}

type Client struct {
	baseURL string
	referer string
	title   string
	http    *http.Client
}

// NewClient builds a Client. ProxyURL may be socks5://, socks5h://, http://
// or https://.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc, err := createHTTPClient(opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &Client{baseURL: base, referer: opts.Referer, title: opts.Title, http: hc}, nil
}

// NewClientFromConfig is the wire provider.
func NewClientFromConfig(c *conf.OpenRouter) (*Client, error) {
	return NewClient(Options{
		BaseURL:  c.BaseUrl,
		ProxyURL: c.ProxyUrl,
		Referer:  c.Referer,
		Title:    c.Title,
	})
}

// Send issues one POST /chat/completions. The returned error is non-nil only
// for transport failures; every HTTP status, including non-200, comes back
// as a RawResponse.
func (c *Client) Send(ctx context.Context, apiKey string, req *ChatRequest, timeout time.Duration) (*RawResponse, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

// ListModels fetches the model catalogue, retrying on transport errors,
// 429 and 5xx with RetryBackoffs between attempts.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	var lastErr error
	for attempt := 0; attempt <= len(RetryBackoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(RetryBackoffs[attempt-1]):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(httpReq, apiKey)

		resp, err := c.do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var models modelsResponse
			if err := json.Unmarshal(resp.Body, &models); err != nil {
				return nil, fmt.Errorf("invalid models response: %w", err)
			}
			return models.Data, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("attempt %d: HTTP %d: %s", attempt+1, resp.StatusCode, resp.ErrorMessage())
		default:
			return nil, fmt.Errorf("list models failed (HTTP %d): %s", resp.StatusCode, resp.ErrorMessage())
		}
	}
	return nil, fmt.Errorf("all retry attempts exhausted: %w", lastErr)
}

// FreeModels filters models down to those with zero prompt pricing.
func FreeModels(models []Model) []Model {
	var free []Model
	for _, m := range models {
		if m.IsFree() {
			free = append(free, m)
		}
	}
	return free
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("User-Agent", UserAgent)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
}

func (c *Client) do(req *http.Request) (*RawResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// createHTTPClient builds an http.Client without a global timeout; Send
// bounds each call through its context instead.
func createHTTPClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}

		switch parsed.Scheme {
		case "socks5", "socks5h":
			dialer, err := createSOCKS5Dialer(parsed)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s (supported: socks5, http, https)", parsed.Scheme)
		}
	}

	return &http.Client{Transport: transport}, nil
}

func createSOCKS5Dialer(parsed *url.URL) (proxy.Dialer, error) {
	var auth *proxy.Auth
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxy.Auth{
			User:     parsed.User.Username(),
			Password: password,
		}
	}

	host := parsed.Host
	if !strings.Contains(host, ":") {
		host += ":1080"
	}

	return proxy.SOCKS5("tcp", host, auth, proxy.Direct)
}
