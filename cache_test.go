package shuttleplus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testOrigin = "https://shuttleplus.et"

// fakeOrigin serves fixed bodies by path and counts requests. While down is
// set every request fails at the transport.
type fakeOrigin struct {
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	down   atomic.Bool
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{bodies: bodies, hits: make(map[string]int)}
}

func (o *fakeOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.down.Load() {
		return nil, errors.New("network is unreachable")
	}
	o.mu.Lock()
	o.hits[req.URL.Path]++
	body, ok := o.bodies[req.URL.Path]
	o.mu.Unlock()

	rec := httptest.NewRecorder()
	if !ok {
		rec.WriteHeader(http.StatusNotFound)
		return rec.Result(), nil
	}
	if strings.HasPrefix(req.URL.Path, "/api/") {
		rec.Header().Set("Content-Type", "application/json")
	}
	rec.WriteString(body)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *fakeOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newTestController(t *testing.T, origin *fakeOrigin, assets ...string) *CacheController {
	t.Helper()
	cc, err := NewCacheController(&CacheConfig{
		Origin:    testOrigin,
		Assets:    append([]string{}, assets...),
		Transport: origin,
	})
	if err != nil {
		t.Fatalf("NewCacheController: %v", err)
	}
	return cc
}

func get(t *testing.T, rt http.RoundTripper, path, accept string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func siteOrigin() *fakeOrigin {
	return newFakeOrigin(map[string]string{
		"/":                   "<html>home</html>",
		"/css/style.css":      "body{}",
		"/js/app.js":          "console.log(1)",
		"/offline.html":       "<html>custom offline</html>",
		"/pages/blog.html":    "<html>blog</html>",
		"/pages/booking.html": "<html>booking</html>",
		"/api/bookings":       `{"bookings":[{"bookingReference":"SP-2025-ABC123","status":"confirmed"}]}`,
		"/data/routes.json":   `{"v":1}`,
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCacheControllerActivation(t *testing.T) {
	ctx := context.Background()
	origin := siteOrigin()
	cc := newTestController(t, origin, "/", "/css/style.css", "/images/missing.png")
	storage := cc.Storage()
	storage.Open(ctx, StaticCacheName("v0"))
	storage.Open(ctx, DynamicCacheName("v0"))
	storage.Open(ctx, "third-party")

	w, err := cc.Register(ctx, "v1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.State != WorkerActivated {
		t.Fatalf("expected activated, got %s", w.State)
	}

	names, _ := storage.Keys(ctx)
	if len(names) != 1 || names[0] != "shuttleplus-static-v1" {
		t.Fatalf("expected only the v1 static cache, got %v", names)
	}
	if e, _ := storage.Match(ctx, StaticCacheName("v1"), testOrigin+"/css/style.css"); e == nil {
		t.Fatal("expected asset cached at install")
	}
	if e, _ := storage.Match(ctx, StaticCacheName("v1"), testOrigin+"/images/missing.png"); e != nil {
		t.Fatal("missing asset must not be cached")
	}

	st := cc.State()
	if st.Active == nil || st.Active.Version != "v1" || st.Waiting != nil {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestCacheControllerWaiting(t *testing.T) {
	ctx := context.Background()
	origin := siteOrigin()
	cc := newTestController(t, origin, "/css/style.css")

	v1, _ := cc.Register(ctx, "v1")
	cc.AttachClient()
	cc.AttachClient()

	v2, err := cc.Register(ctx, "v2")
	if err != nil {
		t.Fatalf("Register v2: %v", err)
	}
	if v2.State != WorkerInstalled {
		t.Fatalf("expected v2 waiting in installed state, got %s", v2.State)
	}
	st := cc.State()
	if st.Active.Version != "v1" || st.Waiting == nil || st.Waiting.Version != "v2" || st.Clients != 2 {
		t.Fatalf("unexpected state: %+v", st)
	}

	v3, _ := cc.Register(ctx, "v3")
	if v2.State != WorkerRedundant {
		t.Fatalf("expected replaced waiting version to be redundant, got %s", v2.State)
	}

	cc.DetachClient(ctx)
	if cc.State().Active.Version != "v1" {
		t.Fatal("expected v1 to stay active while a page is attached")
	}
	cc.DetachClient(ctx)
	if cc.State().Active.Version != "v3" || v3.State != WorkerActivated || v1.State != WorkerRedundant {
		t.Fatalf("expected v3 to take over: %+v", cc.State())
	}

	names, _ := cc.Storage().Keys(ctx)
	for _, n := range names {
		if strings.HasSuffix(n, "-v1") || strings.HasSuffix(n, "-v2") {
			t.Fatalf("old cache %s survived activation", n)
		}
	}

	t.Run("skip waiting message", func(t *testing.T) {
		cc.AttachClient()
		cc.Register(ctx, "v4")
		if err := cc.HandleMessage(ctx, &Message{Type: MessageSkipWaiting}); err != nil {
			t.Fatalf("SKIP_WAITING: %v", err)
		}
		if cc.State().Active.Version != "v4" {
			t.Fatalf("expected v4 active, got %+v", cc.State())
		}
	})

	t.Run("release clients", func(t *testing.T) {
		cc.Register(ctx, "v5")
		if err := cc.ReleaseClients(ctx); err != nil {
			t.Fatalf("ReleaseClients: %v", err)
		}
		st := cc.State()
		if st.Active.Version != "v5" || st.Clients != 0 || st.Waiting != nil {
			t.Fatalf("unexpected state: %+v", st)
		}
	})
}

// ============================================================================
// Fetch routing
// ============================================================================

func TestCacheControllerPassThrough(t *testing.T) {
	origin := siteOrigin()
	cc := newTestController(t, origin)

	origin.down.Store(true)
	req, _ := http.NewRequest(http.MethodGet, testOrigin+"/api/bookings", nil)
	if _, err := cc.RoundTrip(req); err == nil {
		t.Fatal("expected transport error before activation")
	}
	origin.down.Store(false)

	cc.Register(context.Background(), "v1")
	origin.down.Store(true)
	post, _ := http.NewRequest(http.MethodPost, testOrigin+"/api/bookings", strings.NewReader("{}"))
	if _, err := cc.RoundTrip(post); err == nil {
		t.Fatal("expected POST to bypass the caches")
	}
}

func TestCacheControllerNetworkFirst(t *testing.T) {
	origin := siteOrigin()
	cc := newTestController(t, origin)
	cc.Register(context.Background(), "v1")

	resp, body := get(t, cc, "/api/bookings", "")
	if resp.StatusCode != 200 || resp.Header.Get("X-Cache") != "" || !strings.Contains(body, "SP-2025-ABC123") {
		t.Fatalf("unexpected network response %d %s", resp.StatusCode, body)
	}

	origin.down.Store(true)
	resp, body = get(t, cc, "/api/bookings", "")
	if resp.StatusCode != 200 || resp.Header.Get("X-Cache") != "HIT" || !strings.Contains(body, "SP-2025-ABC123") {
		t.Fatalf("expected cached API response, got %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, cc, "/api/flights/ET500", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body != `{"error":"Offline","message":"No cached data available"}` {
		t.Fatalf("unexpected offline body %s", body)
	}

	t.Run("client reads through the controller", func(t *testing.T) {
		c := NewClient("", WithBaseURL(testOrigin+"/api"), WithTransport(cc))
		list, err := c.Bookings.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if list.Offline || len(list.Bookings) != 1 {
			t.Fatalf("unexpected list %+v", list)
		}
	})
}

func TestCacheControllerCacheFirst(t *testing.T) {
	origin := siteOrigin()
	cc := newTestController(t, origin, "/css/style.css")
	cc.Register(context.Background(), "v1")

	before := origin.count("/css/style.css")
	resp, body := get(t, cc, "/css/style.css", "")
	if origin.count("/css/style.css") != before {
		t.Fatal("cached asset must not hit the network")
	}
	if resp.Header.Get("X-Cache") != "HIT" || body != "body{}" {
		t.Fatalf("unexpected asset response %q", body)
	}

	get(t, cc, "/js/app.js", "")
	origin.down.Store(true)
	if _, body := get(t, cc, "/js/app.js", ""); body != "console.log(1)" {
		t.Fatalf("expected fetched asset to be cached, got %q", body)
	}

	resp, body = get(t, cc, "/js/unknown.js", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("unexpected fallback %d %q", resp.StatusCode, body)
	}
}

func TestCacheControllerNavigation(t *testing.T) {
	const html = "text/html,application/xhtml+xml"

	t.Run("cached offline page", func(t *testing.T) {
		origin := siteOrigin()
		cc := newTestController(t, origin, OfflinePage)
		cc.Register(context.Background(), "v1")
		get(t, cc, "/pages/blog.html", html)

		origin.down.Store(true)
		if _, body := get(t, cc, "/pages/blog.html", html); body != "<html>blog</html>" {
			t.Fatalf("expected cached page, got %q", body)
		}
		resp, body := get(t, cc, "/pages/booking.html", html)
		if resp.StatusCode != 200 || body != "<html>custom offline</html>" {
			t.Fatalf("expected offline page, got %d %q", resp.StatusCode, body)
		}
	})

	t.Run("built-in offline page", func(t *testing.T) {
		origin := siteOrigin()
		cc := newTestController(t, origin)
		cc.Register(context.Background(), "v1")
		origin.down.Store(true)

		resp, body := get(t, cc, "/pages/booking.html", html)
		if resp.StatusCode != 200 || !strings.Contains(body, "You're Offline") {
			t.Fatalf("expected built-in offline page, got %d", resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
		}
	})
}

func TestCacheControllerStaleWhileRevalidate(t *testing.T) {
	origin := siteOrigin()
	cc := newTestController(t, origin)
	cc.Register(context.Background(), "v1")

	if _, body := get(t, cc, "/data/routes.json", ""); body != `{"v":1}` {
		t.Fatalf("unexpected first body %s", body)
	}

	origin.set("/data/routes.json", `{"v":2}`)
	resp, body := get(t, cc, "/data/routes.json", "")
	if body != `{"v":1}` || resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("expected stale copy, got %s", body)
	}
	cc.Wait()
	if origin.count("/data/routes.json") != 2 {
		t.Fatalf("expected background refresh, got %d hits", origin.count("/data/routes.json"))
	}

	origin.down.Store(true)
	if _, body := get(t, cc, "/data/routes.json", ""); body != `{"v":2}` {
		t.Fatalf("expected refreshed copy, got %s", body)
	}
	if resp, _ := get(t, cc, "/data/other.json", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for uncached resource, got %d", resp.StatusCode)
	}
}

// ============================================================================
// Messages
// ============================================================================

func TestCacheControllerMessages(t *testing.T) {
	ctx := context.Background()
	origin := siteOrigin()
	cc := newTestController(t, origin)

	if err := cc.HandleMessage(ctx, &Message{Type: MessageCacheURLs, URLs: []string{"/"}}); err == nil {
		t.Fatal("expected error without an active version")
	}
	cc.Register(ctx, "v1")

	err := cc.HandleMessage(ctx, &Message{Type: MessageCacheURLs, URLs: []string{"/pages/blog.html", "/pages/missing.html"}})
	if err == nil {
		t.Fatal("expected failure for missing URL")
	}
	if e, _ := cc.Storage().Match(ctx, "", testOrigin+"/pages/blog.html"); e != nil {
		t.Fatal("partial CACHE_URLS must not store anything")
	}

	if err := cc.HandleMessage(ctx, &Message{Type: MessageCacheURLs, URLs: []string{"/pages/blog.html"}}); err != nil {
		t.Fatalf("CACHE_URLS: %v", err)
	}
	if e, _ := cc.Storage().Match(ctx, DynamicCacheName("v1"), testOrigin+"/pages/blog.html"); e == nil {
		t.Fatal("expected page in the dynamic cache")
	}

	if err := cc.HandleMessage(ctx, &Message{Type: "CLAIM"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

// ============================================================================
// Notifications
// ============================================================================

func TestBuildNotification(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		n := BuildNotification(nil)
		if n.Title != "Shuttle Plus" || n.Body != "You have a new notification" || n.Tag != "shuttle-notification" {
			t.Fatalf("unexpected defaults: %+v", n)
		}
		if len(n.Actions) != 2 || n.Actions[0].Action != "view" || n.Actions[1].Action != "dismiss" {
			t.Fatalf("unexpected actions: %+v", n.Actions)
		}
		if len(n.Vibrate) != 3 || n.Vibrate[0] != 200 {
			t.Fatalf("unexpected vibrate: %v", n.Vibrate)
		}
	})

	t.Run("json payload", func(t *testing.T) {
		n := BuildNotification([]byte(`{"title":"Driver assigned","body":"Dawit is on the way","data":{"bookingId":"SP-2025-ABC123"},"requireInteraction":true}`))
		if n.Title != "Driver assigned" || n.Body != "Dawit is on the way" || !n.RequireInteraction {
			t.Fatalf("unexpected notification: %+v", n)
		}
		if n.Icon != "/images/icons/icon-192x192.png" {
			t.Fatalf("expected default icon kept, got %q", n.Icon)
		}
		if n.Data["bookingId"] != "SP-2025-ABC123" {
			t.Fatalf("unexpected data: %v", n.Data)
		}
	})

	t.Run("text payload", func(t *testing.T) {
		n := BuildNotification([]byte("Your shuttle arrives in 5 minutes"))
		if n.Body != "Your shuttle arrives in 5 minutes" || n.Title != "Shuttle Plus" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	})

	t.Run("custom actions", func(t *testing.T) {
		n := BuildNotification([]byte(`{"actions":[{"action":"track","title":"Track"}]}`))
		if len(n.Actions) != 1 || n.Actions[0].Action != "track" {
			t.Fatalf("unexpected actions: %+v", n.Actions)
		}
	})
}

func TestNotificationURL(t *testing.T) {
	cases := []struct {
		name   string
		action string
		data   map[string]any
		want   string
	}{
		{"view booking", "view", map[string]any{"bookingId": "SP-2025-ABC123"}, "/pages/tickets.html?id=SP-2025-ABC123"},
		{"view escapes", "view", map[string]any{"bookingId": "a b&c"}, "/pages/tickets.html?id=a+b%26c"},
		{"explicit url", "", map[string]any{"url": "/pages/tracking.html"}, "/pages/tracking.html"},
		{"view without booking", "view", map[string]any{"url": "/pages/blog.html"}, "/pages/blog.html"},
		{"dismiss", "dismiss", map[string]any{"bookingId": "SP-1"}, "/"},
		{"nothing", "", nil, "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NotificationURL(tc.action, tc.data); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

type fakeWindow struct {
	url       string
	navigated string
	focused   bool
}

func (w *fakeWindow) URL() string { return w.url }
func (w *fakeWindow) Navigate(_ context.Context, url string) error {
	w.navigated = url
	return nil
}
func (w *fakeWindow) Focus(context.Context) error {
	w.focused = true
	return nil
}

type fakeHost struct {
	windows []*fakeWindow
	opened  []string
	shown   []*Notification
}

func (h *fakeHost) ShowNotification(_ context.Context, n *Notification) error {
	h.shown = append(h.shown, n)
	return nil
}

func (h *fakeHost) Windows(context.Context) ([]Window, error) {
	out := make([]Window, len(h.windows))
	for i, w := range h.windows {
		out[i] = w
	}
	return out, nil
}

func (h *fakeHost) OpenWindow(_ context.Context, url string) error {
	h.opened = append(h.opened, url)
	return nil
}

func TestHandleNotificationClick(t *testing.T) {
	ctx := context.Background()

	t.Run("focuses open window", func(t *testing.T) {
		other := &fakeWindow{url: "https://example.com/"}
		app := &fakeWindow{url: testOrigin + "/index.html"}
		host := &fakeHost{windows: []*fakeWindow{other, app}}
		cc, _ := NewCacheController(&CacheConfig{Origin: testOrigin, Host: host})

		target, err := cc.HandleNotificationClick(ctx, "view", map[string]any{"bookingId": "SP-2025-ABC123"})
		if err != nil {
			t.Fatalf("HandleNotificationClick: %v", err)
		}
		if target != "/pages/tickets.html?id=SP-2025-ABC123" {
			t.Fatalf("unexpected target %q", target)
		}
		if app.navigated != target || !app.focused || other.focused {
			t.Fatalf("expected app window to navigate and focus: %+v", app)
		}
		if len(host.opened) != 0 {
			t.Fatal("no window should be opened")
		}
	})

	t.Run("opens new window", func(t *testing.T) {
		host := &fakeHost{}
		cc, _ := NewCacheController(&CacheConfig{Origin: testOrigin, Host: host})
		cc.HandleNotificationClick(ctx, "", map[string]any{"url": "/pages/tracking.html"})
		if len(host.opened) != 1 || host.opened[0] != "/pages/tracking.html" {
			t.Fatalf("unexpected opened windows: %v", host.opened)
		}
	})

	t.Run("push shows notification", func(t *testing.T) {
		host := &fakeHost{}
		cc, _ := NewCacheController(&CacheConfig{Origin: testOrigin, Host: host})
		n, err := cc.HandlePush(ctx, []byte(`{"title":"Trip completed"}`))
		if err != nil || n.Title != "Trip completed" {
			t.Fatalf("unexpected push result %+v (%v)", n, err)
		}
		if len(host.shown) != 1 || host.shown[0] != n {
			t.Fatalf("expected notification shown, got %v", host.shown)
		}
	})
}

// ============================================================================
// Background sync
// ============================================================================

func TestHandleSync(t *testing.T) {
	ctx := context.Background()
	cc, _ := NewCacheController(&CacheConfig{Origin: testOrigin})
	if err := cc.HandleSync(ctx, SyncTagBookings); err != nil {
		t.Fatalf("sync without handler: %v", err)
	}

	var tags []string
	cc.SetSyncHandler(func(_ context.Context, tag string) error {
		tags = append(tags, tag)
		if tag == "fail" {
			return errors.New("replay failed")
		}
		return nil
	})
	cc.HandleSync(ctx, SyncTagBookings)
	if err := cc.HandleSync(ctx, "fail"); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if strings.Join(tags, ",") != "sync-bookings,fail" {
		t.Fatalf("unexpected tags %v", tags)
	}
}
