package shuttleplus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

var errUnreachable = errors.New("dial tcp 10.0.0.1:443: connect: network is unreachable")

func unreachable() http.RoundTripper {
	return roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, errUnreachable })
}

// ============================================================================
// Request
// ============================================================================

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient("tok-123", WithBaseURL(srv.URL+"/"))
	_, err := c.Get(context.Background(), "/flights/ET500", &RequestOptions{
		Query:   map[string]string{"date": "2025-06-01"},
		Headers: map[string]string{"Idempotency-Key": "k-1"},
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Get("Authorization") != "Bearer tok-123" {
		t.Errorf("unexpected Authorization %q", got.Get("Authorization"))
	}
	if got.Get("Content-Type") != "application/json" || got.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("unexpected headers: %v", got)
	}
	if got.Get("Idempotency-Key") != "k-1" {
		t.Errorf("extra header missing: %v", got)
	}
	if query != "date=2025-06-01" {
		t.Errorf("unexpected query %q", query)
	}

	t.Run("no token no auth header", func(t *testing.T) {
		c := NewClient("", WithBaseURL(srv.URL))
		c.Get(context.Background(), "/config/vapid", nil)
		if got.Get("Authorization") != "" {
			t.Fatalf("expected no Authorization, got %q", got.Get("Authorization"))
		}
	})
}

func TestRequestErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c := NewClient("", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
		_, err := c.Get(ctx, "/bookings", nil)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if StatusOf(err) != http.StatusRequestTimeout || err.Error() != "Request timeout (408)" {
			t.Fatalf("unexpected timeout error %q (%d)", err, StatusOf(err))
		}
	})

	t.Run("network while offline", func(t *testing.T) {
		c := NewClient("", WithTransport(unreachable()), WithNetworkStatus(NewNetworkStatus(false)))
		_, err := c.Get(ctx, "/bookings", nil)
		if !IsNetworkError(err) {
			t.Fatalf("expected network error, got %v", err)
		}
		if StatusOf(err) != 0 || err.Error() != "No internet connection" {
			t.Fatalf("unexpected network error %q (%d)", err, StatusOf(err))
		}
		if !errors.Is(err, errUnreachable) {
			t.Fatal("expected cause to be wrapped")
		}
	})

	t.Run("transport failure while online", func(t *testing.T) {
		c := NewClient("", WithTransport(unreachable()))
		_, err := c.Get(ctx, "/bookings", nil)
		if !errors.Is(err, ErrRequest) || IsNetworkError(err) {
			t.Fatalf("expected generic request error, got %v", err)
		}
		if !strings.Contains(err.Error(), "network is unreachable") {
			t.Fatalf("expected underlying message, got %q", err)
		}
	})

	t.Run("http error with message", func(t *testing.T) {
		srv := jsonServer(t, http.StatusBadRequest, `{"message":"Invalid phone number"}`)
		c := NewClient("", WithBaseURL(srv.URL))
		_, err := c.Post(ctx, "/auth/login", map[string]string{"phone": "x"}, nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Kind != KindHTTP || apiErr.Status != 400 || apiErr.Message != "Invalid phone number" {
			t.Fatalf("unexpected error: %+v", apiErr)
		}
		var body map[string]string
		if err := apiErr.DecodeData(&body); err != nil || body["message"] != "Invalid phone number" {
			t.Fatalf("unexpected data: %v (%v)", body, err)
		}
	})

	t.Run("http error without message", func(t *testing.T) {
		srv := jsonServer(t, http.StatusInternalServerError, `{"code":17}`)
		c := NewClient("", WithBaseURL(srv.URL))
		_, err := c.Get(ctx, "/bookings", nil)
		if err == nil || err.Error() != "Request failed (500)" {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("non-json body is wrapped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}))
		defer srv.Close()

		c := NewClient("", WithBaseURL(srv.URL))
		_, err := c.Get(ctx, "/bookings", nil)
		if StatusOf(err) != http.StatusBadGateway || !strings.HasPrefix(err.Error(), "upstream down") {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("status of foreign error", func(t *testing.T) {
		if StatusOf(errors.New("boom")) != -1 {
			t.Fatal("expected -1")
		}
	})
}

func TestParseResponse(t *testing.T) {
	if got := string(parseResponse("application/json", nil)); got != "{}" {
		t.Errorf("empty json body: %s", got)
	}
	if got := string(parseResponse("application/json; charset=utf-8", []byte(`{"a":1}`))); got != `{"a":1}` {
		t.Errorf("json body: %s", got)
	}
	if got := string(parseResponse("text/html", []byte("<b>hi</b>"))); got != `{"message":"<b>hi</b>"}` {
		t.Errorf("text body: %s", got)
	}
}

// ============================================================================
// Bookings
// ============================================================================

func TestBookingsWriteThrough(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bookings":
			w.Write([]byte(`{"bookings":[
				{"bookingReference":"SP-2025-AAA111","status":"confirmed","loyaltyPoints":40},
				{"bookingReference":"SP-2025-BBB222","status":"completed"}
			]}`))
		case "/bookings/SP-2025-CCC333":
			w.Write([]byte(`{"bookingReference":"SP-2025-CCC333","status":"driver_assigned"}`))
		case "/bookings/SP-2025-AAA111":
			w.Write([]byte(`{"bookingReference":"SP-2025-AAA111","status":"cancelled"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := newTestStorage(t)
	c := NewClient("tok", WithBaseURL(srv.URL), WithStorage(store))

	list, err := c.Bookings.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Offline || len(list.Bookings) != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	raw, _ := store.Get(ctx, CollectionBookings, "SP-2025-AAA111")
	if !strings.Contains(string(raw), "loyaltyPoints") {
		t.Fatalf("expected raw document stored, got %s", raw)
	}

	res, err := c.Bookings.Get(ctx, "SP-2025-CCC333")
	if err != nil || res.Offline || res.Booking.Status != StatusDriverAssigned {
		t.Fatalf("unexpected get: %+v (%v)", res, err)
	}
	if b, _ := store.Bookings.Get(ctx, "SP-2025-CCC333"); b == nil {
		t.Fatal("expected Get to write through")
	}

	cancelled, err := c.Bookings.Cancel(ctx, "SP-2025-AAA111", "flight delayed")
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("unexpected cancel: %+v (%v)", cancelled, err)
	}
	if b, _ := store.Bookings.Get(ctx, "SP-2025-AAA111"); b.Status != StatusCancelled {
		t.Fatalf("expected cancelled locally, got %s", b.Status)
	}
}

func TestBookingsOfflineFallback(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	store.Bookings.Save(ctx, testBooking("SP-2025-OLD001", StatusCompleted, testNow.Add(-72*time.Hour)))
	store.Bookings.Save(ctx, testBooking("SP-2025-NEW001", StatusConfirmed, testNow.Add(72*time.Hour)))

	t.Run("offline list is served locally", func(t *testing.T) {
		c := NewClient("", WithTransport(unreachable()), WithStorage(store),
			WithNetworkStatus(NewNetworkStatus(false)))
		list, err := c.Bookings.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if !list.Offline || len(list.Bookings) != 2 {
			t.Fatalf("unexpected list: %+v", list)
		}
		if list.Bookings[0].BookingReference != "SP-2025-NEW001" {
			t.Fatalf("expected newest first, got %s", list.Bookings[0].BookingReference)
		}
	})

	t.Run("offline get is served locally", func(t *testing.T) {
		c := NewClient("", WithTransport(unreachable()), WithStorage(store),
			WithNetworkStatus(NewNetworkStatus(false)))
		res, err := c.Bookings.Get(ctx, "SP-2025-OLD001")
		if err != nil || !res.Offline || res.Booking.Status != StatusCompleted {
			t.Fatalf("unexpected result: %+v (%v)", res, err)
		}

		_, err = c.Bookings.Get(ctx, "SP-2025-MISSING")
		if !IsNetworkError(err) {
			t.Fatalf("expected original network error for unknown booking, got %v", err)
		}
	})

	t.Run("online failure is returned", func(t *testing.T) {
		srv := jsonServer(t, http.StatusInternalServerError, `{"message":"db down"}`)
		c := NewClient("", WithBaseURL(srv.URL), WithStorage(store))
		if _, err := c.Bookings.List(ctx); StatusOf(err) != 500 {
			t.Fatalf("expected 500, got %v", err)
		}
	})
}
