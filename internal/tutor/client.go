// Package tutor is the HTTP client for the tutor backend: the chat service
// that answers math questions and the API service that stores audio,
// conversation history and credentials.
//
// Every method maps an HTTP 401 response to [auth.ErrUnauthorized] so the
// caller can send the user back to the login step. No request is retried.
package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/observe"
)

const (
	providerName = "tutor"

	defaultTimeout = 30 * time.Second
	defaultRegion  = "eu-west-3"

	newSessionEndpoint   = "/new_session"
	chatEndpoint         = "/api/math_chat"
	presignedEndpoint    = "/api/get_presigned_urls"
	saveHistoryEndpoint  = "/api/save_chat_history"
	loginEndpoint        = "/api/login"
	manualAudioEndpoint  = "/ws/manual_audio"
	maxErrorBodyExcerpt  = 512
	maxAudioDownloadSize = 32 << 20
)

// StatusError is returned for unexpected non-2xx responses other than 401.
type StatusError struct {
	Method   string
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tutor: %s %s returned status %d", e.Method, e.Endpoint, e.Code)
	}
	return fmt.Sprintf("tutor: %s %s returned status %d: %s", e.Method, e.Endpoint, e.Code, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The chat stream is read after
// Chat returns, so the client must not set a short overall Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithUserID sets the user id sent with chat, audio and history requests.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithRegion sets the storage region passed when requesting presigned audio
// URLs. Defaults to "eu-west-3".
func WithRegion(region string) Option {
	return func(c *Client) { c.region = region }
}

// WithRequestTimeout bounds every request except the chat stream body.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the chat and API services. It is safe for concurrent use.
type Client struct {
	chatURL    string
	apiURL     string
	userID     string
	region     string
	timeout    time.Duration
	tokens     auth.TokenSource
	httpClient *http.Client
	metrics    *observe.Metrics
}

// New creates a Client. chatURL is the base URL of the chat service and
// apiURL the base URL of the API service; both are required.
func New(chatURL, apiURL string, opts ...Option) (*Client, error) {
	if chatURL == "" {
		return nil, errors.New("tutor: chat URL must not be empty")
	}
	if apiURL == "" {
		return nil, errors.New("tutor: API URL must not be empty")
	}
	c := &Client{
		chatURL:    strings.TrimRight(chatURL, "/"),
		apiURL:     strings.TrimRight(apiURL, "/"),
		region:     defaultRegion,
		timeout:    defaultTimeout,
		tokens:     auth.StaticToken(""),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// UserID returns the configured user id.
func (c *Client) UserID() string { return c.userID }

// APIURL returns the base URL of the API service.
func (c *Client) APIURL() string { return c.apiURL }

// request builds a request carrying the bearer token, if any.
func (c *Client) request(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("tutor: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("tutor: token: %w", err)
	}
	if v := auth.Bearer(token); v != "" {
		req.Header.Set("Authorization", v)
	}
	return req, nil
}

// do sends req and checks the status. On success the caller owns the body.
func (c *Client) do(req *http.Request, kind, endpoint string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordProviderError(req.Context(), providerName, kind)
		return nil, fmt.Errorf("tutor: %s %s: %w", req.Method, endpoint, err)
	}
	if err := checkStatus(resp, req.Method, endpoint); err != nil {
		c.metrics.RecordProviderRequest(req.Context(), providerName, kind, "error")
		return nil, err
	}
	c.metrics.RecordProviderRequest(req.Context(), providerName, kind, "ok")
	return resp, nil
}

// doJSON posts in as JSON and decodes the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, url, kind, endpoint string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tutor: marshal %s request: %w", kind, err)
	}
	req, err := c.request(ctx, http.MethodPost, url, bytes.NewReader(data), "application/json")
	if err != nil {
		return err
	}
	resp, err := c.do(req, kind, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tutor: decode %s response: %w", kind, err)
	}
	return nil
}

// checkStatus consumes and closes the body of a failed response.
func checkStatus(resp *http.Response, method, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("tutor: %s %s: %w", method, endpoint, auth.ErrUnauthorized)
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyExcerpt))
	return &StatusError{
		Method:   method,
		Endpoint: endpoint,
		Code:     resp.StatusCode,
		Body:     strings.TrimSpace(string(excerpt)),
	}
}
