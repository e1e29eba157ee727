// Package client provides an HTTP client for the workspace sync server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/pkg/protocol"
	"github.com/fruitsalade/workspace-sync/pkg/retry"
)

// Client talks to the workspace endpoints.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	retryConfig  retry.Config
	watchConfig  retry.Config
	log          *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	// WatchRetry controls reconnects of Watch. Zero uses retry.ReconnectConfig.
	WatchRetry retry.Config
	AuthToken  string
	Logger     *zap.Logger
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.WatchRetry.InitialWait == 0 {
		cfg.WatchRetry = retry.ReconnectConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		// No timeout for streams and uploads; callers bound them with ctx.
		streamClient: &http.Client{Transport: transport},
		retryConfig:  cfg.RetryConfig,
		watchConfig:  cfg.WatchRetry,
		log:          cfg.Logger,
		authToken:    cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) workspaceURL(id string, parts ...string) string {
	u := c.baseURL + "/workspace/" + url.PathEscape(id)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// List returns the file names in a workspace.
func (c *Client) List(ctx context.Context, id string) ([]string, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.workspaceURL(id), nil)
		if err != nil {
			return nil, err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return nil, err
		}

		var names []string
		if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return names, nil
	})
}

// Delete removes a workspace and all of its files.
func (c *Client) Delete(ctx context.Context, id string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.workspaceURL(id), nil)
		if err != nil {
			return err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		return checkResponse(resp)
	})
}

// UploadFile is one file of an upload request.
type UploadFile struct {
	Name    string
	Content io.Reader
}

// Upload streams files to a workspace as one multipart request and returns
// the number of files the server wrote. Uploads are not retried because the
// readers cannot be rewound.
func (c *Client) Upload(ctx context.Context, id string, files []UploadFile) (int, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for _, f := range files {
			part, err := mw.CreateFormFile("file", f.Name)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f.Content); err != nil {
				pw.CloseWithError(fmt.Errorf("read %s: %w", f.Name, err))
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.workspaceURL(id), pr)
	if err != nil {
		pr.Close()
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.applyAuth(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return 0, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return 0, err
	}

	var n int
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return 0, fmt.Errorf("decode upload count: %w", err)
	}
	c.log.Debug("uploaded files", zap.String("workspace", id), zap.Int("count", n))
	return n, nil
}

// Download fetches one file and returns its body and content type. The caller
// must close the body.
func (c *Client) Download(ctx context.Context, id, name string) (io.ReadCloser, string, error) {
	resp, err := retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.workspaceURL(id, "files", name), nil)
		if err != nil {
			return nil, err
		}
		c.applyAuth(req)

		resp, err := c.streamClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		if err := checkResponse(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// checkResponse turns a non-2xx response into an *APIError, marked retryable
// for server-side failures.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errResp protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil {
		apiErr.Message = errResp.Error
	}
	if resp.StatusCode >= 500 || retry.RetryableStatus(resp.StatusCode) {
		return retry.Retryable(apiErr)
	}
	return apiErr
}
