// Package shuttleplus is the offline-first client SDK for the Shuttle Plus
// airport-shuttle booking platform.
//
// It bundles the HTTP gateway to the booking backend, a durable local store,
// the pending-action sync queue and a caching transport that keeps the app
// usable while the network is down.
//
// Example:
//
//	store := shuttleplus.NewStorage("/var/lib/shuttleplus/shuttleplus.db")
//	client := shuttleplus.NewClient(token, shuttleplus.WithStorage(store))
//
//	list, _ := client.Bookings.List(ctx)
//	if list.Offline {
//		// served from the local store
//	}
//
//	offline := shuttleplus.NewOfflineManager(client, nil)
//	offline.Start()
//	defer offline.Stop()
//	offline.CreateBooking(ctx, booking) // queued when the network is gone
package shuttleplus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

var environments = map[Environment]string{
	Development: "http://localhost:3000/api",
	Production:  "https://shuttleplus.et/api",
}

const (
	DefaultBaseURL   = "http://localhost:3000/api"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "shuttleplus-go/1.0"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ============================================================================
// Client
// ============================================================================

// Client is the single chokepoint for backend calls. It adds bearer auth and
// a hard timeout, and normalizes every failure into *APIError.
type Client struct {
	mu    sync.RWMutex
	token string

	baseURL    string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	network    *NetworkStatus
	store      *Storage
	logger     *slog.Logger

	Bookings      *BookingsClient
	Auth          *AuthClient
	Flights       *FlightsClient
	Pricing       *PricingClient
	Payments      *PaymentsClient
	Notifications *NotificationsClient
	Config        *ConfigClient
	Drivers       *DriversClient
}

type ClientOption func(*Client)

// WithBaseURL sets the API root, for example "https://shuttleplus.et/api".
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTransport routes every request through rt, typically a CacheController.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.httpClient = &http.Client{Transport: rt} }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithStorage enables write-through and offline read fallback for bookings.
func WithStorage(s *Storage) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithNetworkStatus shares a connectivity flag with other components.
func WithNetworkStatus(n *NetworkStatus) ClientOption {
	return func(c *Client) { c.network = n }
}

// NewClient creates a new Shuttle Plus client.
// token is optional; pass "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		userAgent:  DefaultUserAgent,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		logger:     discardLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.network == nil {
		c.network = NewNetworkStatus(true)
	}
	c.logger = c.logger.With("component", "gateway")

	c.Bookings = &BookingsClient{c: c}
	c.Auth = &AuthClient{c: c}
	c.Flights = &FlightsClient{c: c, cache: make(map[string]flightCacheEntry), ttl: FlightCacheTTL, now: time.Now}
	c.Pricing = &PricingClient{c: c}
	c.Payments = &PaymentsClient{c: c, pollInterval: TelebirrPollInterval, maxAttempts: TelebirrMaxAttempts}
	c.Notifications = &NotificationsClient{c: c}
	c.Config = &ConfigClient{c: c}
	c.Drivers = &DriversClient{c: c, interval: LocationUpdateInterval}
	return c
}

// BaseURL returns the API root requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Network returns the connectivity flag consulted for error classification.
func (c *Client) Network() *NetworkStatus { return c.network }

// Storage returns the local store, or nil when none is configured.
func (c *Client) Storage() *Storage { return c.store }

// ============================================================================
// Request
// ============================================================================

// RequestOptions carries optional query parameters and extra headers.
type RequestOptions struct {
	Query   map[string]string
	Headers map[string]string
}

// Request performs one backend call. endpoint is appended to the base URL.
// The body, if any, is sent as JSON. The response body is returned as JSON;
// non-JSON responses are wrapped as {"message": text}.
func (c *Client) Request(ctx context.Context, method, endpoint string, body interface{}, opts *RequestOptions) (json.RawMessage, error) {
	u := c.baseURL + endpoint
	if opts != nil && len(opts.Query) > 0 {
		params := url.Values{}
		for k, v := range opts.Query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindRequest, Message: "failed to marshal request", Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u, bodyReader)
	if err != nil {
		return nil, &APIError{Kind: KindRequest, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := c.classify(reqCtx, err)
		c.logger.Debug("request failed", "method", method, "endpoint", endpoint, "kind", apiErr.Kind, "error", err)
		return nil, apiErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(reqCtx, err)
	}
	data := parseResponse(resp.Header.Get("Content-Type"), raw)

	c.logger.Debug("request", "method", method, "endpoint", endpoint,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Kind:    KindHTTP,
			Message: errorMessage(data),
			Status:  resp.StatusCode,
			Data:    data,
		}
	}
	return data, nil
}

func (c *Client) classify(reqCtx context.Context, err error) *APIError {
	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Kind: KindTimeout, Message: "Request timeout", Status: http.StatusRequestTimeout, Err: err}
	}
	if !c.network.Online() {
		return &APIError{Kind: KindNetwork, Message: "No internet connection", Err: err}
	}
	msg := err.Error()
	if msg == "" {
		msg = "Network error"
	}
	return &APIError{Kind: KindRequest, Message: msg, Err: err}
}

func parseResponse(contentType string, raw []byte) json.RawMessage {
	if strings.Contains(contentType, "application/json") {
		if len(bytes.TrimSpace(raw)) == 0 {
			return json.RawMessage(`{}`)
		}
		if json.Valid(raw) {
			return raw
		}
	}
	b, _ := json.Marshal(map[string]string{"message": string(raw)})
	return b
}

func errorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return "Request failed"
}

// ============================================================================
// HTTP Methods
// ============================================================================

func (c *Client) Get(ctx context.Context, endpoint string, opts *RequestOptions) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, endpoint, nil, opts)
}

func (c *Client) Post(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, endpoint, body, opts)
}

func (c *Client) Put(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPut, endpoint, body, opts)
}

func (c *Client) Patch(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPatch, endpoint, body, opts)
}

// Delete sends a DELETE; body may be nil.
func (c *Client) Delete(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, body, opts)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, endpoint string, body interface{}, opts *RequestOptions) (*T, error) {
	data, err := c.Request(ctx, method, endpoint, body, opts)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func pathEscape(s string) string { return url.PathEscape(s) }
