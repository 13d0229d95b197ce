package shuttleplus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	FlightCacheTTL         = 5 * time.Minute
	TelebirrPollInterval   = 5 * time.Second
	TelebirrMaxAttempts    = 24
	LocationUpdateInterval = 30 * time.Second
)

var (
	ErrPaymentDeclined = errors.New("shuttleplus: payment was declined")
	ErrPaymentTimeout  = errors.New("shuttleplus: payment timed out")
)

// unwrap returns the data member of a {success, data} envelope, or the body
// itself when it is not enveloped.
func unwrap(data json.RawMessage) json.RawMessage {
	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if json.Unmarshal(data, &env) == nil && env.Success != nil && len(env.Data) > 0 {
		return env.Data
	}
	return data
}

func doData[T any](ctx context.Context, c *Client, method, endpoint string, body interface{}) (*T, error) {
	data, err := c.Request(ctx, method, endpoint, body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](unwrap(data))
}

// ============================================================================
// Token helpers
// ============================================================================

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) ClearToken() { c.SetToken("") }

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) IsAuthenticated() bool { return c.Token() != "" }

// TokenExpiresAt decodes the exp claim of the current token without
// verifying its signature. A zero time means the token has no expiry.
func (c *Client) TokenExpiresAt() (time.Time, error) {
	return TokenExpiry(c.Token())
}

// TokenExpiry returns the exp claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, errors.New("shuttleplus: no token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles phone/OTP authentication and the user profile.
type AuthClient struct{ c *Client }

func (a *AuthClient) Register(ctx context.Context, phone, name string) (*AuthResult, error) {
	return do[AuthResult](ctx, a.c, http.MethodPost, "/auth/register", map[string]string{"phone": phone, "name": name}, nil)
}

// VerifyOTP completes login. A returned token is installed on the client and
// the profile is cached locally.
func (a *AuthClient) VerifyOTP(ctx context.Context, phone, otp string) (*AuthResult, error) {
	res, err := do[AuthResult](ctx, a.c, http.MethodPost, "/auth/verify-otp", map[string]string{"phone": phone, "otp": otp}, nil)
	if err != nil {
		return nil, err
	}
	if res.Token != "" {
		a.c.SetToken(res.Token)
	}
	if res.User != nil && a.c.store != nil {
		if err := a.c.store.User.Save(ctx, res.User); err != nil {
			a.c.logger.Warn("cache profile failed", "error", err)
		}
	}
	return res, nil
}

func (a *AuthClient) Login(ctx context.Context, phone string) (*AuthResult, error) {
	return do[AuthResult](ctx, a.c, http.MethodPost, "/auth/login", map[string]string{"phone": phone}, nil)
}

// Logout drops the token. No request is made.
func (a *AuthClient) Logout(ctx context.Context) error {
	a.c.ClearToken()
	return nil
}

// Profile fetches the current user. While offline, a failed call is served
// from the local store.
func (a *AuthClient) Profile(ctx context.Context) (*UserProfile, error) {
	p, err := doData[UserProfile](ctx, a.c, http.MethodGet, "/users/me", nil)
	if err != nil {
		if !a.c.network.Online() && a.c.store != nil {
			if cached, serr := a.c.store.User.Get(ctx); serr == nil && cached != nil {
				return cached, nil
			}
		}
		return nil, err
	}
	if a.c.store != nil {
		if err := a.c.store.User.Save(ctx, p); err != nil {
			a.c.logger.Warn("cache profile failed", "error", err)
		}
	}
	return p, nil
}

func (a *AuthClient) UpdateProfile(ctx context.Context, p *UserProfile) (*Result, error) {
	return do[Result](ctx, a.c, http.MethodPut, "/users/me", p, nil)
}

// UpdateNotificationPrefs sends the preferences and merges them into the
// cached profile.
func (a *AuthClient) UpdateNotificationPrefs(ctx context.Context, prefs map[string]bool) (*Result, error) {
	res, err := do[Result](ctx, a.c, http.MethodPut, "/users/me/notifications", prefs, nil)
	if err != nil {
		return nil, err
	}
	if a.c.store != nil {
		if _, err := a.c.store.User.UpdateNotificationPrefs(ctx, prefs); err != nil {
			a.c.logger.Warn("cache preferences failed", "error", err)
		}
	}
	return res, nil
}

// ============================================================================
// Flights
// ============================================================================

type flightCacheEntry struct {
	at     time.Time
	status *FlightStatus
}

// FlightsClient looks up flights. Lookups are cached in memory for
// FlightCacheTTL per flight and date.
type FlightsClient struct {
	c   *Client
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]flightCacheEntry
}

// NormalizeFlightNumber upper-cases the number and strips whitespace.
func NormalizeFlightNumber(n string) string {
	return strings.Join(strings.Fields(strings.ToUpper(n)), "")
}

// Lookup returns flight details. date is optional (YYYY-MM-DD).
func (f *FlightsClient) Lookup(ctx context.Context, flightNumber, date string) (*FlightStatus, error) {
	number := NormalizeFlightNumber(flightNumber)
	key := number + "-" + date
	if date == "" {
		key = number + "-today"
	}

	f.mu.Lock()
	entry, ok := f.cache[key]
	f.mu.Unlock()
	if ok && f.now().Sub(entry.at) < f.ttl {
		return entry.status, nil
	}

	var opts *RequestOptions
	if date != "" {
		opts = &RequestOptions{Query: map[string]string{"date": date}}
	}
	data, err := f.c.Get(ctx, "/flights/"+pathEscape(number), opts)
	if err != nil {
		return nil, err
	}
	status, err := decodeJSON[FlightStatus](unwrap(data))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = flightCacheEntry{at: f.now(), status: status}
	f.mu.Unlock()
	return status, nil
}

func (f *FlightsClient) Status(ctx context.Context, flightNumber string) (*FlightStatus, error) {
	return doData[FlightStatus](ctx, f.c, http.MethodGet, "/flights/"+pathEscape(NormalizeFlightNumber(flightNumber))+"/status", nil)
}

// ============================================================================
// Pricing
// ============================================================================

type PricingClient struct{ c *Client }

func (p *PricingClient) Calculate(ctx context.Context, req *PricingRequest) (*Pricing, error) {
	return doData[Pricing](ctx, p.c, http.MethodPost, "/pricing/calculate", req)
}

func (p *PricingClient) Zones(ctx context.Context) ([]PricingZone, error) {
	zones, err := doData[[]PricingZone](ctx, p.c, http.MethodGet, "/pricing/zones", nil)
	if err != nil {
		return nil, err
	}
	return *zones, nil
}

func (p *PricingClient) Vehicles(ctx context.Context) ([]VehicleOption, error) {
	vehicles, err := doData[[]VehicleOption](ctx, p.c, http.MethodGet, "/pricing/vehicles", nil)
	if err != nil {
		return nil, err
	}
	return *vehicles, nil
}

// ============================================================================
// Payments
// ============================================================================

type PaymentsClient struct {
	c            *Client
	pollInterval time.Duration
	maxAttempts  int
}

func (p *PaymentsClient) CreateStripeIntent(ctx context.Context, bookingID string, amount float64, currency string) (*StripeIntent, error) {
	if currency == "" {
		currency = "USD"
	}
	return doData[StripeIntent](ctx, p.c, http.MethodPost, "/payments/stripe/create-intent", map[string]any{
		"bookingId": bookingID, "amount": amount, "currency": currency,
	})
}

func (p *PaymentsClient) ConfirmStripe(ctx context.Context, paymentIntentID string) (*Result, error) {
	return do[Result](ctx, p.c, http.MethodPost, "/payments/stripe/confirm", map[string]string{"paymentIntentId": paymentIntentID}, nil)
}

// InitiateTelebirr starts a Telebirr checkout in ETB.
func (p *PaymentsClient) InitiateTelebirr(ctx context.Context, bookingID string, amount float64) (*TelebirrInit, error) {
	return doData[TelebirrInit](ctx, p.c, http.MethodPost, "/payments/telebirr/initiate", map[string]any{
		"bookingId": bookingID, "amount": amount, "currency": "ETB",
	})
}

func (p *PaymentsClient) TelebirrStatus(ctx context.Context, transactionID string) (*PaymentState, error) {
	return doData[PaymentState](ctx, p.c, http.MethodGet, "/payments/telebirr/status/"+pathEscape(transactionID), nil)
}

func (p *PaymentsClient) Status(ctx context.Context, bookingID string) (*PaymentState, error) {
	return doData[PaymentState](ctx, p.c, http.MethodGet, "/payments/"+pathEscape(bookingID), nil)
}

// WaitForTelebirr polls the transaction until it completes or fails, giving
// up after TelebirrMaxAttempts polls. Failed polls are retried.
func (p *PaymentsClient) WaitForTelebirr(ctx context.Context, transactionID string) (*PaymentState, error) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		state, err := p.TelebirrStatus(ctx, transactionID)
		switch {
		case err != nil:
			p.c.logger.Warn("telebirr status check failed", "tx", transactionID, "attempt", attempt, "error", err)
		case state.Status == "completed":
			return state, nil
		case state.Status == "failed":
			return state, ErrPaymentDeclined
		}
		timer.Reset(p.pollInterval)
	}
	return nil, ErrPaymentTimeout
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ c *Client }

// Subscribe registers a push subscription. userAgent defaults to the
// client's user agent.
func (n *NotificationsClient) Subscribe(ctx context.Context, sub *PushSubscription, userAgent string) (*Result, error) {
	if userAgent == "" {
		userAgent = n.c.userAgent
	}
	return do[Result](ctx, n.c, http.MethodPost, "/notifications/subscribe", map[string]any{
		"subscription": sub, "userAgent": userAgent,
	}, nil)
}

func (n *NotificationsClient) Unsubscribe(ctx context.Context, endpoint string) (*Result, error) {
	return do[Result](ctx, n.c, http.MethodDelete, "/notifications/subscribe", map[string]string{"endpoint": endpoint}, nil)
}

func (n *NotificationsClient) SendTest(ctx context.Context) (*Result, error) {
	return do[Result](ctx, n.c, http.MethodPost, "/notifications/test", nil, nil)
}

// ============================================================================
// Config
// ============================================================================

// ConfigClient fetches public keys for third-party integrations.
type ConfigClient struct{ c *Client }

func (cc *ConfigClient) Mapbox(ctx context.Context) (*MapboxConfig, error) {
	return doData[MapboxConfig](ctx, cc.c, http.MethodGet, "/config/mapbox", nil)
}

func (cc *ConfigClient) Stripe(ctx context.Context) (*StripeConfig, error) {
	return doData[StripeConfig](ctx, cc.c, http.MethodGet, "/config/stripe", nil)
}

func (cc *ConfigClient) Vapid(ctx context.Context) (*VapidConfig, error) {
	return doData[VapidConfig](ctx, cc.c, http.MethodGet, "/config/vapid", nil)
}

// ============================================================================
// Drivers
// ============================================================================

type DriversClient struct {
	c        *Client
	interval time.Duration
}

func (d *DriversClient) UpdateLocation(ctx context.Context, loc *LocationUpdate) (*Result, error) {
	return do[Result](ctx, d.c, http.MethodPut, "/drivers/location", loc, nil)
}

// LocationSource reports the device position.
type LocationSource func(ctx context.Context) (*LocationUpdate, error)

// TrackLocation reports the position once immediately and then every
// LocationUpdateInterval until ctx is done. Failed updates are logged and
// skipped.
func (d *DriversClient) TrackLocation(ctx context.Context, source LocationSource) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.reportLocation(ctx, source)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *DriversClient) reportLocation(ctx context.Context, source LocationSource) {
	loc, err := source(ctx)
	if err != nil {
		d.c.logger.Warn("location unavailable", "error", err)
		return
	}
	if _, err := d.UpdateLocation(ctx, loc); err != nil {
		d.c.logger.Warn("location update failed", "error", err)
	}
}
