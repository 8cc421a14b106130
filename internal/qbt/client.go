// Package qbt is a client for the qBittorrent Web API (v2) with retry,
// cookie sessions and online tracking. It also provides the item source and
// the change watcher used by the filesystem.
package qbt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/retry"
)

var (
	// ErrBanned is returned when qBittorrent refuses logins from this IP.
	ErrBanned = errors.New("IP banned for too many failed login attempts")

	// ErrInvalidCredentials is returned when the username or password is
	// wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrForbidden is returned when a request is still refused after a
	// fresh login.
	ErrForbidden = errors.New("forbidden")
)

// APIError is a non-success HTTP answer that is not retried.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Endpoint, e.Status, e.Body)
}

// Config holds client configuration.
type Config struct {
	URL         string // e.g. http://localhost:8080
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool
	RetryConfig retry.Config
}

// Client talks to one qBittorrent instance.
type Client struct {
	url         *url.URL
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	username string
	password string
	loginMu  sync.Mutex

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &Client{
		url:     u,
		baseURL: u.String() + "/api/v2",
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
			},
		},
		retryConfig: cfg.RetryConfig,
		username:    cfg.Username,
		password:    cfg.Password,
		online:      true,
	}, nil
}

// URL returns the server URL the client was configured with.
func (c *Client) URL() string {
	return c.url.String()
}

// IsOnline returns true if the server answered the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.lastPing = time.Now()
	c.mu.Unlock()

	if changed {
		if online {
			logging.Info("qBittorrent is back online", logging.String("url", c.URL()))
		} else {
			logging.Error("qBittorrent is offline", logging.String("url", c.URL()))
		}
	}
	metrics.SetAPIOnline(online)
}

// Ping checks that the server is reachable. Any answer below 500 counts,
// including an authentication failure.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "app/version", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	// qBittorrent's CSRF protection checks Referer against its own origin.
	req.Header.Set("Referer", c.url.String())
	return req, nil
}

// get performs a GET with retries. A 403 triggers one re-login.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	relogged := false
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest(endpoint, 0, time.Since(start))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		metrics.RecordAPIRequest(endpoint, resp.StatusCode, time.Since(start))
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("%s: read body: %w", endpoint, err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.setOnline(true)
			return data, nil
		case resp.StatusCode == http.StatusForbidden:
			c.setOnline(true)
			if relogged || c.username == "" {
				return nil, fmt.Errorf("%s: %w", endpoint, ErrForbidden)
			}
			relogged = true
			logging.Info("session rejected, logging in again", logging.String("endpoint", endpoint))
			if err := c.Login(ctx); err != nil {
				return nil, err
			}
			return nil, retry.Retryable(fmt.Errorf("%s: %w", endpoint, ErrForbidden))
		case resp.StatusCode >= 500:
			c.setOnline(false)
			return nil, retry.Retryable(&APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))})
		default:
			c.setOnline(true)
			return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
	})
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, v any) error {
	data, err := c.get(ctx, endpoint, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, endpoint string) (string, error) {
	data, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
