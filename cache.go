package shuttleplus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Constants
// ============================================================================

const (
	DefaultCacheVersion = "v1"
	cacheNamePrefix     = "shuttleplus-"

	// OfflinePage is served for HTML navigations when neither the network
	// nor the cache can answer.
	OfflinePage = "/offline.html"

	apiPathPrefix = "/api/"
)

// StaticCacheName returns the static cache name for a version, e.g.
// "shuttleplus-static-v1".
func StaticCacheName(version string) string { return cacheNamePrefix + "static-" + version }

// DynamicCacheName returns the dynamic cache name for a version.
func DynamicCacheName(version string) string { return cacheNamePrefix + "dynamic-" + version }

// StaticAssets is the core asset manifest cached at install.
var StaticAssets = []string{
	"/",
	"/index.html",
	"/pages/blog.html",
	"/pages/booking.html",
	"/pages/tickets.html",
	"/pages/tracking.html",
	"/css/style.css",
	"/css/blog.css",
	"/css/booking.css",
	"/css/tickets.css",
	"/css/tracking.css",
	"/js/main.js",
	"/js/app.js",
	"/js/booking.js",
	"/js/offline-storage.js",
	"/js/api-client.js",
	"/images/logo.png",
	"/images/icons/icon-192x192.png",
	"/images/icons/icon-512x512.png",
	"/manifest.json",
	"https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700;800&display=swap",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
}

var staticExtensions = []string{".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2"}

func isStaticAsset(path string) bool {
	for _, ext := range staticExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

var ErrUnknownMessage = errors.New("shuttleplus: unknown controller message")

// ============================================================================
// Cache storage
// ============================================================================

// CachedResponse is one stored response.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

func (c *CachedResponse) response(req *http.Request) *http.Response {
	h := c.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// CacheStorage is a set of named caches mapping request URLs to responses.
type CacheStorage interface {
	// Open creates the named cache if it does not exist.
	Open(ctx context.Context, name string) error
	// Keys lists cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Put(ctx context.Context, name, key string, entry *CachedResponse) error
	// Match returns the entry for key, or nil. An empty name searches every
	// cache in creation order.
	Match(ctx context.Context, name, key string) (*CachedResponse, error)
}

// MemoryCacheStorage is a process-local CacheStorage.
type MemoryCacheStorage struct {
	mu     sync.RWMutex
	names  []string
	caches map[string]map[string]*CachedResponse
}

func NewMemoryCacheStorage() *MemoryCacheStorage {
	return &MemoryCacheStorage{caches: make(map[string]map[string]*CachedResponse)}
}

func (m *MemoryCacheStorage) Open(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open(name)
	return nil
}

func (m *MemoryCacheStorage) open(name string) map[string]*CachedResponse {
	c, ok := m.caches[name]
	if !ok {
		c = make(map[string]*CachedResponse)
		m.caches[name] = c
		m.names = append(m.names, name)
	}
	return c
}

func (m *MemoryCacheStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...), nil
}

func (m *MemoryCacheStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryCacheStorage) Put(_ context.Context, name, key string, entry *CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open(name)[key] = entry
	return nil
}

func (m *MemoryCacheStorage) Match(_ context.Context, name, key string) (*CachedResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name != "" {
		return m.caches[name][key], nil
	}
	for _, n := range m.names {
		if e, ok := m.caches[n][key]; ok {
			return e, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Window host
// ============================================================================

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a local notification built from a push payload.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Tag                string               `json:"tag"`
	Data               map[string]any       `json:"data"`
	Vibrate            []int                `json:"vibrate"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
}

// Window is an open page of the app.
type Window interface {
	URL() string
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context) error
}

// WindowHost is the surface the controller uses to reach open pages and the
// platform notification tray.
type WindowHost interface {
	ShowNotification(ctx context.Context, n *Notification) error
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) error
}

// SyncHandler runs a background-sync tag.
type SyncHandler func(ctx context.Context, tag string) error

// ============================================================================
// Lifecycle
// ============================================================================

type WorkerState string

const (
	WorkerInstalling WorkerState = "installing"
	WorkerInstalled  WorkerState = "installed"
	WorkerActivating WorkerState = "activating"
	WorkerActivated  WorkerState = "activated"
	WorkerRedundant  WorkerState = "redundant"
)

// Worker is one registered controller version.
type Worker struct {
	Version      string      `json:"version"`
	State        WorkerState `json:"state"`
	StaticCache  string      `json:"staticCache"`
	DynamicCache string      `json:"dynamicCache"`
}

// ControllerState is a snapshot of the registration.
type ControllerState struct {
	Active  *Worker `json:"active,omitempty"`
	Waiting *Worker `json:"waiting,omitempty"`
	Clients int     `json:"clients"`
}

// ============================================================================
// Cache Controller
// ============================================================================

// CacheConfig configures a CacheController.
type CacheConfig struct {
	// Origin resolves relative asset paths and identifies app windows.
	Origin    string
	Assets    []string
	Transport http.RoundTripper
	Storage   CacheStorage
	Host      WindowHost
	Sync      SyncHandler
	Logger    *slog.Logger
}

// CacheController intercepts GET requests and answers them from the network
// or the caches depending on the request class. It is an http.RoundTripper.
type CacheController struct {
	origin *url.URL
	assets []string
	next   http.RoundTripper
	caches CacheStorage
	host   WindowHost
	logger *slog.Logger

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients int
	sync    SyncHandler

	bg sync.WaitGroup
}

func NewCacheController(cfg *CacheConfig) (*CacheController, error) {
	if cfg == nil {
		cfg = &CacheConfig{}
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	cc := &CacheController{
		origin: origin,
		assets: cfg.Assets,
		next:   cfg.Transport,
		caches: cfg.Storage,
		host:   cfg.Host,
		sync:   cfg.Sync,
		logger: cfg.Logger,
	}
	if cc.assets == nil {
		cc.assets = StaticAssets
	}
	if cc.next == nil {
		cc.next = http.DefaultTransport
	}
	if cc.caches == nil {
		cc.caches = NewMemoryCacheStorage()
	}
	if cc.logger == nil {
		cc.logger = discardLogger
	}
	cc.logger = cc.logger.With("component", "cache")
	return cc, nil
}

// SetSyncHandler installs the background-sync hook.
func (cc *CacheController) SetSyncHandler(h SyncHandler) {
	cc.mu.Lock()
	cc.sync = h
	cc.mu.Unlock()
}

// Storage returns the cache backend.
func (cc *CacheController) Storage() CacheStorage { return cc.caches }

func (cc *CacheController) State() ControllerState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s := ControllerState{Clients: cc.clients}
	if cc.active != nil {
		w := *cc.active
		s.Active = &w
	}
	if cc.waiting != nil {
		w := *cc.waiting
		s.Waiting = &w
	}
	return s
}

// Register installs a new version. It activates at once when nothing is
// active or no page is controlled; otherwise it waits.
func (cc *CacheController) Register(ctx context.Context, version string) (*Worker, error) {
	if version == "" {
		version = DefaultCacheVersion
	}
	w := &Worker{
		Version:      version,
		State:        WorkerInstalling,
		StaticCache:  StaticCacheName(version),
		DynamicCache: DynamicCacheName(version),
	}
	if err := cc.install(ctx, w); err != nil {
		w.State = WorkerRedundant
		return w, err
	}

	cc.mu.Lock()
	if cc.active != nil && cc.clients > 0 {
		if cc.waiting != nil {
			cc.waiting.State = WorkerRedundant
		}
		cc.waiting = w
		cc.mu.Unlock()
		cc.logger.Info("version waiting", "version", version, "clients", cc.clients)
		return w, nil
	}
	cc.mu.Unlock()
	return w, cc.activate(ctx, w)
}

// install pre-populates the static cache. Assets that cannot be fetched are
// logged and skipped.
func (cc *CacheController) install(ctx context.Context, w *Worker) error {
	if err := cc.caches.Open(ctx, w.StaticCache); err != nil {
		return fmt.Errorf("open %s: %w", w.StaticCache, err)
	}
	cached := 0
	for _, asset := range cc.assets {
		if err := cc.add(ctx, w.StaticCache, cc.resolve(asset)); err != nil {
			cc.logger.Warn("failed to cache asset", "url", asset, "error", err)
			continue
		}
		cached++
	}
	w.State = WorkerInstalled
	cc.logger.Info("installed", "version", w.Version, "cached", cached, "total", len(cc.assets))
	return nil
}

// activate deletes every cache not owned by w and makes w active.
func (cc *CacheController) activate(ctx context.Context, w *Worker) error {
	w.State = WorkerActivating
	names, err := cc.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.StaticCache || name == w.DynamicCache {
			continue
		}
		if _, err := cc.caches.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		cc.logger.Info("deleted old cache", "name", name)
	}

	cc.mu.Lock()
	if cc.active != nil && cc.active != w {
		cc.active.State = WorkerRedundant
	}
	if cc.waiting == w {
		cc.waiting = nil
	}
	w.State = WorkerActivated
	cc.active = w
	cc.mu.Unlock()
	cc.logger.Info("activated", "version", w.Version)
	return nil
}

// SkipWaiting activates the waiting version, if any.
func (cc *CacheController) SkipWaiting(ctx context.Context) error {
	cc.mu.Lock()
	w := cc.waiting
	cc.mu.Unlock()
	if w == nil {
		return nil
	}
	return cc.activate(ctx, w)
}

// AttachClient records a page controlled by the active version.
func (cc *CacheController) AttachClient() {
	cc.mu.Lock()
	cc.clients++
	cc.mu.Unlock()
}

// DetachClient releases one page; the waiting version takes over when the
// last page goes away.
func (cc *CacheController) DetachClient(ctx context.Context) error {
	cc.mu.Lock()
	if cc.clients > 0 {
		cc.clients--
	}
	idle := cc.clients == 0
	cc.mu.Unlock()
	if idle {
		return cc.SkipWaiting(ctx)
	}
	return nil
}

// ReleaseClients releases every page and lets a waiting version take over.
func (cc *CacheController) ReleaseClients(ctx context.Context) error {
	cc.mu.Lock()
	cc.clients = 0
	cc.mu.Unlock()
	return cc.SkipWaiting(ctx)
}

// Wait blocks until background revalidations finish.
func (cc *CacheController) Wait() { cc.bg.Wait() }

func (cc *CacheController) activeWorker() *Worker {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.active
}

func (cc *CacheController) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return cc.origin.ResolveReference(u).String()
}

// ============================================================================
// Fetch routing
// ============================================================================

// RoundTrip routes a request to one of the caching strategies. Non-GET and
// non-http(s) requests, and everything before activation, go straight to the
// network.
func (cc *CacheController) RoundTrip(req *http.Request) (*http.Response, error) {
	w := cc.activeWorker()
	if req.Method != http.MethodGet || (req.URL.Scheme != "http" && req.URL.Scheme != "https") || w == nil {
		return cc.next.RoundTrip(req)
	}

	switch {
	case strings.HasPrefix(req.URL.Path, apiPathPrefix):
		return cc.networkFirst(req, w)
	case isStaticAsset(req.URL.Path):
		return cc.cacheFirst(req, w)
	case strings.Contains(req.Header.Get("Accept"), "text/html"):
		return cc.networkFirstWithOffline(req, w)
	default:
		return cc.staleWhileRevalidate(req, w)
	}
}

func cacheKey(req *http.Request) string { return req.URL.String() }

func (cc *CacheController) match(ctx context.Context, key string) *CachedResponse {
	entry, err := cc.caches.Match(ctx, "", key)
	if err != nil {
		cc.logger.Warn("cache match failed", "url", key, "error", err)
		return nil
	}
	return entry
}

// fetch performs the network call. Successful responses are buffered and a
// copy is stored in cacheName.
func (cc *CacheController) fetch(req *http.Request, cacheName string) (*http.Response, error) {
	resp, err := cc.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body, StoredAt: time.Now().UTC()}
	if err := cc.caches.Put(req.Context(), cacheName, cacheKey(req), entry); err != nil {
		cc.logger.Warn("cache put failed", "cache", cacheName, "url", cacheKey(req), "error", err)
	}
	return resp, nil
}

// add fetches url and stores it in cacheName; non-2xx answers are errors.
func (cc *CacheController) add(ctx context.Context, cacheName, rawURL string) error {
	entry, err := cc.fetchEntry(ctx, rawURL)
	if err != nil {
		return err
	}
	return cc.caches.Put(ctx, cacheName, rawURL, entry)
}

func (cc *CacheController) fetchEntry(ctx context.Context, rawURL string) (*CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cc.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body, StoredAt: time.Now().UTC()}, nil
}

func (cc *CacheController) networkFirst(req *http.Request, w *Worker) (*http.Response, error) {
	resp, err := cc.fetch(req, w.DynamicCache)
	if err == nil {
		return resp, nil
	}
	if entry := cc.match(req.Context(), cacheKey(req)); entry != nil {
		cc.logger.Debug("network failed, serving cache", "url", cacheKey(req))
		return entry.response(req), nil
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, "application/json",
		[]byte(`{"error":"Offline","message":"No cached data available"}`)), nil
}

func (cc *CacheController) cacheFirst(req *http.Request, w *Worker) (*http.Response, error) {
	if entry := cc.match(req.Context(), cacheKey(req)); entry != nil {
		return entry.response(req), nil
	}
	resp, err := cc.fetch(req, w.StaticCache)
	if err != nil {
		cc.logger.Debug("cache first failed", "url", cacheKey(req), "error", err)
		return offlineText(req), nil
	}
	return resp, nil
}

func (cc *CacheController) networkFirstWithOffline(req *http.Request, w *Worker) (*http.Response, error) {
	resp, err := cc.fetch(req, w.DynamicCache)
	if err == nil {
		return resp, nil
	}
	if entry := cc.match(req.Context(), cacheKey(req)); entry != nil {
		return entry.response(req), nil
	}
	if entry := cc.match(req.Context(), cc.offlinePageURL(req)); entry != nil {
		return entry.response(req), nil
	}
	return syntheticResponse(req, http.StatusOK, "text/html; charset=utf-8", []byte(offlineHTML)), nil
}

func (cc *CacheController) offlinePageURL(req *http.Request) string {
	u := url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: OfflinePage}
	return u.String()
}

func (cc *CacheController) staleWhileRevalidate(req *http.Request, w *Worker) (*http.Response, error) {
	if entry := cc.match(req.Context(), cacheKey(req)); entry != nil {
		bgReq := req.Clone(context.WithoutCancel(req.Context()))
		cc.bg.Add(1)
		go func() {
			defer cc.bg.Done()
			resp, err := cc.fetch(bgReq, w.DynamicCache)
			if err != nil {
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
		return entry.response(req), nil
	}

	resp, err := cc.fetch(req, w.DynamicCache)
	if err != nil {
		return offlineText(req), nil
	}
	return resp, nil
}

func offlineText(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {contentType}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Offline - Shuttle Plus</title>
  <style>
    body { font-family: 'Inter', system-ui, sans-serif; background: linear-gradient(135deg, #183251 0%, #597B87 100%);
           min-height: 100vh; display: flex; align-items: center; justify-content: center;
           color: white; text-align: center; padding: 2rem; margin: 0; }
    .container { max-width: 400px; }
    h1 { font-size: 1.75rem; margin-bottom: 0.5rem; }
    p { opacity: 0.8; margin-bottom: 1.5rem; line-height: 1.6; }
    button { background: white; color: #183251; border: none; padding: 0.875rem 2rem;
             font-size: 1rem; font-weight: 600; border-radius: 9999px; cursor: pointer; }
  </style>
</head>
<body>
  <div class="container">
    <h1>You're Offline</h1>
    <p>Please check your internet connection. Your saved tickets are still available offline.</p>
    <button onclick="window.location.reload()">Try Again</button>
  </div>
</body>
</html>`

// ============================================================================
// Message channel
// ============================================================================

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"
)

// Message is a command posted to the controller by a page.
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// HandleMessage processes SKIP_WAITING and CACHE_URLS. CACHE_URLS is
// all-or-nothing: nothing is stored unless every URL was fetched.
func (cc *CacheController) HandleMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return cc.SkipWaiting(ctx)
	case MessageCacheURLs:
		w := cc.activeWorker()
		if w == nil {
			return errors.New("shuttleplus: no active controller version")
		}
		entries := make(map[string]*CachedResponse, len(msg.URLs))
		for _, raw := range msg.URLs {
			u := cc.resolve(raw)
			entry, err := cc.fetchEntry(ctx, u)
			if err != nil {
				return fmt.Errorf("cache %s: %w", raw, err)
			}
			entries[u] = entry
		}
		for u, entry := range entries {
			if err := cc.caches.Put(ctx, w.DynamicCache, u, entry); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// ============================================================================
// Push & notification click
// ============================================================================

func defaultNotification() *Notification {
	return &Notification{
		Title:   "Shuttle Plus",
		Body:    "You have a new notification",
		Icon:    "/images/icons/icon-192x192.png",
		Badge:   "/images/icons/icon-96x96.png",
		Tag:     "shuttle-notification",
		Data:    map[string]any{},
		Vibrate: []int{200, 100, 200},
	}
}

var defaultNotificationActions = []NotificationAction{
	{Action: "view", Title: "View Details"},
	{Action: "dismiss", Title: "Dismiss"},
}

// BuildNotification merges a push payload over the default template. A body
// that is not a JSON object becomes the notification text.
func BuildNotification(payload []byte) *Notification {
	n := defaultNotification()
	if len(bytes.TrimSpace(payload)) > 0 {
		var p struct {
			Title              *string              `json:"title"`
			Body               *string              `json:"body"`
			Icon               *string              `json:"icon"`
			Badge              *string              `json:"badge"`
			Tag                *string              `json:"tag"`
			Data               map[string]any       `json:"data"`
			Actions            []NotificationAction `json:"actions"`
			RequireInteraction bool                 `json:"requireInteraction"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			n.Body = string(payload)
		} else {
			setIf(&n.Title, p.Title)
			setIf(&n.Body, p.Body)
			setIf(&n.Icon, p.Icon)
			setIf(&n.Badge, p.Badge)
			setIf(&n.Tag, p.Tag)
			if p.Data != nil {
				n.Data = p.Data
			}
			n.Actions = p.Actions
			n.RequireInteraction = p.RequireInteraction
		}
	}
	if len(n.Actions) == 0 {
		n.Actions = defaultNotificationActions
	}
	return n
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// HandlePush builds the notification for payload and shows it.
func (cc *CacheController) HandlePush(ctx context.Context, payload []byte) (*Notification, error) {
	n := BuildNotification(payload)
	cc.logger.Info("push received", "title", n.Title, "tag", n.Tag)
	if cc.host == nil {
		return n, nil
	}
	return n, cc.host.ShowNotification(ctx, n)
}

// NotificationURL picks the page a notification click opens: the ticket page
// for "view" with a booking id, else data.url, else the root.
func NotificationURL(action string, data map[string]any) string {
	if action == "view" {
		if id, ok := data["bookingId"]; ok && id != nil && id != "" {
			return "/pages/tickets.html?id=" + url.QueryEscape(fmt.Sprint(id))
		}
	}
	if u, ok := data["url"].(string); ok && u != "" {
		return u
	}
	return "/"
}

// HandleNotificationClick navigates and focuses an open window of the origin,
// or opens a new one. It returns the target URL.
func (cc *CacheController) HandleNotificationClick(ctx context.Context, action string, data map[string]any) (string, error) {
	target := NotificationURL(action, data)
	if cc.host == nil {
		return target, nil
	}
	windows, err := cc.host.Windows(ctx)
	if err != nil {
		return target, err
	}
	origin := cc.origin.Scheme + "://" + cc.origin.Host
	for _, w := range windows {
		if strings.Contains(w.URL(), origin) {
			if err := w.Navigate(ctx, target); err != nil {
				return target, err
			}
			return target, w.Focus(ctx)
		}
	}
	return target, cc.host.OpenWindow(ctx, target)
}

// ============================================================================
// Background sync
// ============================================================================

// HandleSync runs the background-sync hook for tag.
func (cc *CacheController) HandleSync(ctx context.Context, tag string) error {
	cc.mu.Lock()
	h := cc.sync
	cc.mu.Unlock()
	cc.logger.Info("background sync", "tag", tag)
	if h == nil {
		return nil
	}
	return h(ctx, tag)
}
