package shuttleplus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	p, _ := json.Marshal(payload)
	data, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: p})
	return conn.Write(ctx, websocket.MessageText, data)
}

func readCommand(ctx context.Context, conn *websocket.Conn) (*RealtimeCommand, map[string]string, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	var raw struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	return &RealtimeCommand{Type: raw.Type}, raw.Payload, nil
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestRealtimeSession(t *testing.T) {
	ctx := context.Background()
	tokens := make(chan string, 1)
	subscribed := make(chan string, 1)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ws" {
			http.NotFound(w, r)
			return
		}
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sctx := r.Context()
		writeEnvelope(sctx, conn, RealtimeAuthenticated, AuthenticatedPayload{UserID: "64ab"})

		cmd, payload, err := readCommand(sctx, conn)
		if err != nil || cmd.Type != "booking.subscribe" {
			conn.Close(websocket.StatusPolicyViolation, "expected subscribe")
			return
		}
		subscribed <- payload["bookingReference"]
		writeEnvelope(sctx, conn, RealtimeBookingStatus, BookingStatusPayload{
			BookingReference: "SP-2025-ABC123",
			Status:           StatusDriverAssigned,
		})

		cmd, payload, err = readCommand(sctx, conn)
		if err == nil && cmd.Type == "ping" {
			writeEnvelope(sctx, conn, RealtimePong, PongPayload{RequestID: payload["requestId"]})
		}

		<-release
		conn.Close(websocket.StatusGoingAway, "server restart")
	}))
	defer srv.Close()

	store := newTestStorage(t)
	store.Bookings.Save(ctx, testBooking("SP-2025-ABC123", StatusConfirmed, testNow.Add(24*time.Hour)))
	network := NewNetworkStatus(false)
	client := NewClient("tok en", WithBaseURL(srv.URL+"/api"), WithStorage(store), WithNetworkStatus(network))

	rt := client.Realtime(&RealtimeConfig{HeartbeatInterval: time.Hour})
	statuses := make(chan BookingStatusPayload, 1)
	disconnected := make(chan int, 1)
	rt.OnBookingStatus(func(p BookingStatusPayload) { statuses <- p })
	rt.OnDisconnected(func(code int, _ string) { disconnected <- code })

	if err := rt.Send(ctx, &RealtimeCommand{Type: "noop"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := waitFor(t, tokens, "token"); got != "tok en" {
		t.Fatalf("unexpected token %q", got)
	}
	if rt.State() != StateConnected || !network.Online() {
		t.Fatalf("expected connected and online, got %s / %v", rt.State(), network.Online())
	}

	if err := rt.SubscribeBooking(ctx, "SP-2025-ABC123"); err != nil {
		t.Fatalf("SubscribeBooking: %v", err)
	}
	if ref := waitFor(t, subscribed, "subscribe"); ref != "SP-2025-ABC123" {
		t.Fatalf("unexpected subscription %q", ref)
	}

	p := waitFor(t, statuses, "booking status")
	if p.Status != StatusDriverAssigned {
		t.Fatalf("unexpected status %s", p.Status)
	}
	b, _ := store.Bookings.Get(ctx, "SP-2025-ABC123")
	if b.Status != StatusDriverAssigned {
		t.Fatalf("expected store updated, got %s", b.Status)
	}
	if n := len(b.StatusHistory); n == 0 || b.StatusHistory[n-1].Status != StatusDriverAssigned {
		t.Fatalf("expected status history entry, got %+v", b.StatusHistory)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pong, err := rt.Ping(pctx)
	if err != nil || pong.RequestID != "ping-1" {
		t.Fatalf("unexpected pong %+v (%v)", pong, err)
	}

	close(release)
	if code := waitFor(t, disconnected, "disconnect"); code != int(websocket.StatusGoingAway) {
		t.Fatalf("unexpected close code %d", code)
	}
	if network.Online() {
		t.Fatal("expected network offline after unexpected drop")
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", rt.State())
	}
}

func TestRealtimeConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		writeEnvelope(r.Context(), conn, RealtimeError, RealtimeErrorPayload{Message: "invalid token"})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
	}))
	defer srv.Close()

	network := NewNetworkStatus(false)
	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{Token: "expired", Network: network})
	if err := rt.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail without authenticated greeting")
	}
	if rt.State() != StateDisconnected || network.Online() {
		t.Fatalf("unexpected state %s online=%v", rt.State(), network.Online())
	}
}

func TestRealtimeDisconnectKeepsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		writeEnvelope(r.Context(), conn, RealtimeAuthenticated, AuthenticatedPayload{UserID: "64ab"})
		conn.Read(r.Context())
	}))
	defer srv.Close()

	network := NewNetworkStatus(false)
	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{Network: network, HeartbeatInterval: time.Hour})
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rt.Disconnect()
	if !network.Online() {
		t.Fatal("intentional disconnect must not mark the network offline")
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", rt.State())
	}
}

func TestRealtimeSocketURL(t *testing.T) {
	cases := []struct {
		base, token, want string
	}{
		{"https://shuttleplus.et/api", "a+b", "wss://shuttleplus.et/api/ws?token=a%2Bb"},
		{"http://localhost:3000/api/", "", "ws://localhost:3000/api/ws"},
	}
	for _, tc := range cases {
		rt := NewRealtimeClient(tc.base, &RealtimeConfig{Token: tc.token})
		if got := rt.socketURL(); got != tc.want {
			t.Errorf("socketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	b := &backoff{base: 100 * time.Millisecond, max: time.Second, limit: 5}
	now := time.Now()

	floor := time.Duration(0)
	for i := 0; i < 5; i++ {
		if b.exhausted() {
			t.Fatalf("attempt %d refused", i)
		}
		d := b.next(now)
		if d > time.Second {
			t.Fatalf("delay %v above cap", d)
		}
		if d < floor {
			t.Fatalf("delay %v shorter than %v", d, floor)
		}
		floor = min(100*time.Millisecond<<i, time.Second)
	}
	if !b.exhausted() {
		t.Fatal("expected attempts exhausted")
	}

	t.Run("long-lived connection resets", func(t *testing.T) {
		b.connected(now)
		if d := b.next(now.Add(2 * time.Minute)); d > 150*time.Millisecond {
			t.Fatalf("expected base delay after reset, got %v", d)
		}
		if b.attempt != 1 {
			t.Fatalf("expected attempt 1, got %d", b.attempt)
		}
	})

	t.Run("short-lived connection keeps counting", func(t *testing.T) {
		b.connected(now)
		b.next(now.Add(time.Second))
		if b.attempt != 2 {
			t.Fatalf("expected attempt 2, got %d", b.attempt)
		}
	})
}
