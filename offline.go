package shuttleplus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDrainDelay is how long the manager waits after connectivity returns
// before replaying the queue.
const DefaultDrainDelay = 2 * time.Second

// SyncTagBookings is the background-sync tag that drains the queue.
const SyncTagBookings = "sync-bookings"

var (
	// ErrUnreplayable marks an action that can never succeed. ProcessPending
	// removes it and reports it as a dropped failure.
	ErrUnreplayable  = errors.New("shuttleplus: action cannot be replayed")
	ErrUnknownAction = fmt.Errorf("%w: unknown type", ErrUnreplayable)
)

// Event names emitted by OfflineManager. EventBookingReassigned carries a
// ReferenceChange.
const (
	EventNetworkOnline     = "network.online"
	EventNetworkOffline    = "network.offline"
	EventQueueAdded        = "queue.added"
	EventQueueDrained      = "queue.drained"
	EventBookingLocal      = "booking.local"
	EventBookingReassigned = "booking.reassigned"
)

// ReferenceChange reports that a booking created offline was stored by the
// server under a different reference.
type ReferenceChange struct {
	From string
	To   string
}

// ============================================================================
// Network status
// ============================================================================

// NetworkStatus is the shared connectivity flag. Subscribers are told about
// transitions only, never about repeated values.
type NetworkStatus struct {
	mu        sync.RWMutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

func NewNetworkStatus(online bool) *NetworkStatus {
	return &NetworkStatus{online: online, listeners: make(map[int]func(bool))}
}

func (n *NetworkStatus) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

// Set records the connectivity state and reports whether it changed.
func (n *NetworkStatus) Set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	listeners := make([]func(bool), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Subscribe registers fn for transitions and returns a function removing it.
func (n *NetworkStatus) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// TrackConnectivity wraps next so that every round trip updates status: any
// response marks the network online, a transport failure marks it offline.
// Requests abandoned by their caller leave the status untouched.
func TrackConnectivity(next http.RoundTripper, status *NetworkStatus) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &connectivityTransport{next: next, status: status}
}

type connectivityTransport struct {
	next   http.RoundTripper
	status *NetworkStatus
}

func (t *connectivityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	switch {
	case err == nil:
		t.status.Set(true)
	case req.Context().Err() != nil:
	default:
		t.status.Set(false)
	}
	return resp, err
}

// ============================================================================
// Sync Queue
// ============================================================================

// ReplayFunc applies one pending action against the backend.
type ReplayFunc func(ctx context.Context, action *PendingAction) error

// SyncQueue is the durable list of mutations waiting for connectivity.
// Items leave the queue only after a confirmed replay.
type SyncQueue struct {
	store  *Storage
	logger *slog.Logger
	now    func() time.Time

	// drainMu serializes ProcessPending so no item is applied twice.
	drainMu sync.Mutex
}

func NewSyncQueue(store *Storage, logger *slog.Logger) *SyncQueue {
	if logger == nil {
		logger = discardLogger
	}
	return &SyncQueue{store: store, logger: logger.With("component", "sync"), now: time.Now}
}

// AddPending appends an action, stamping createdAt and an idempotency key.
// Duplicate actions are kept.
func (q *SyncQueue) AddPending(ctx context.Context, action *PendingAction) (int64, error) {
	action.ID = 0
	action.CreatedAt = q.now().UTC()
	if action.IdempotencyKey == "" {
		action.IdempotencyKey = uuid.NewString()
	}
	key, err := q.store.Put(ctx, CollectionPendingSync, action)
	if err != nil {
		return 0, fmt.Errorf("add pending %s: %w", action.Type, err)
	}
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, err
	}
	action.ID = id
	q.logger.Info("action queued", "id", id, "type", action.Type)
	return id, nil
}

// All returns the pending actions in insertion order.
func (q *SyncQueue) All(ctx context.Context) ([]*PendingAction, error) {
	raws, err := q.store.GetAll(ctx, CollectionPendingSync)
	if err != nil {
		return nil, err
	}
	out := make([]*PendingAction, 0, len(raws))
	for _, raw := range raws {
		action, err := decodeJSON[PendingAction](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, nil
}

func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	all, err := q.store.GetAll(ctx, CollectionPendingSync)
	return len(all), err
}

func (q *SyncQueue) Remove(ctx context.Context, id int64) error {
	return q.store.Remove(ctx, CollectionPendingSync, strconv.FormatInt(id, 10))
}

func (q *SyncQueue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, CollectionPendingSync)
}

// ProcessPending replays every pending action in order. Successful items are
// removed; failed ones stay for the next drain unless the error wraps
// ErrUnreplayable. One result is returned per item and a failure never stops
// the batch. Concurrent calls run one after the other, so the later call only
// sees what the earlier one left.
func (q *SyncQueue) ProcessPending(ctx context.Context, replay ReplayFunc) ([]ReplayResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	pending, err := q.All(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ReplayResult, 0, len(pending))
	for _, action := range pending {
		if err := replay(ctx, action); err != nil {
			result := ReplayResult{ID: action.ID, Err: err}
			if errors.Is(err, ErrUnreplayable) {
				q.logger.Warn("dropping unreplayable action", "id", action.ID, "type", action.Type, "error", err)
				if rerr := q.Remove(ctx, action.ID); rerr != nil {
					q.logger.Error("remove dropped action failed", "id", action.ID, "error", rerr)
				} else {
					result.Dropped = true
				}
			} else {
				q.logger.Warn("replay failed", "id", action.ID, "type", action.Type, "error", err)
			}
			results = append(results, result)
			continue
		}
		if err := q.Remove(ctx, action.ID); err != nil {
			// The item replays again on the next drain.
			q.logger.Error("remove replayed action failed", "id", action.ID, "error", err)
		}
		results = append(results, ReplayResult{ID: action.ID, Success: true})
	}

	if len(pending) > 0 {
		q.logger.Info("queue processed", "total", len(pending), "failed", countFailed(results))
	}
	return results, nil
}

func countFailed(results []ReplayResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler receives a manager event and its payload.
type OfflineEventHandler func(event string, payload any)

// EventAll subscribes a handler to every manager event.
const EventAll = "*"

type subscription struct {
	event string
	fn    OfflineEventHandler
}

// bookingEvents dispatches manager events in subscription order. A panicking
// handler is logged and does not stop the others.
type bookingEvents struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	logger *slog.Logger
}

// On subscribes handler to event, or to every event for EventAll, and
// returns a function removing the subscription.
func (b *bookingEvents) On(event string, handler OfflineEventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{event: event, fn: handler}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bookingEvents) emit(event string, payload any) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, sub := range b.subs {
		if sub.event == event || sub.event == EventAll {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]OfflineEventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = b.subs[id].fn
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.dispatch(fn, event, payload)
	}
}

func (b *bookingEvents) dispatch(fn OfflineEventHandler, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn(event, payload)
}

func (b *bookingEvents) reset() {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	DrainDelay time.Duration
}

// OfflineManager ties the gateway, the store and the sync queue together.
// Booking writes that fail for lack of connectivity are queued and applied
// locally; the queue is replayed DrainDelay after connectivity returns.
type OfflineManager struct {
	bookingEvents
	Queue *SyncQueue

	client     *Client
	store      *Storage
	network    *NetworkStatus
	drainDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	timer       *time.Timer
	unsubscribe func()
}

// NewOfflineManager creates a manager over client. A client without storage
// gets an in-memory store.
func NewOfflineManager(client *Client, opts *OfflineOptions) *OfflineManager {
	if client.store == nil {
		client.store = NewStorage(":memory:", WithStorageLogger(client.logger))
	}
	logger := client.logger.With("component", "sync")
	o := &OfflineManager{
		bookingEvents: bookingEvents{subs: make(map[int]subscription), logger: logger},
		Queue:         NewSyncQueue(client.store, client.logger),
		client:        client,
		store:         client.store,
		network:       client.network,
		drainDelay:    DefaultDrainDelay,
		logger:        logger,
		now:           time.Now,
	}
	if opts != nil && opts.DrainDelay > 0 {
		o.drainDelay = opts.DrainDelay
	}
	return o
}

// Start begins watching connectivity transitions.
func (o *OfflineManager) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.network.Subscribe(o.onNetworkChange)
}

// Stop cancels a scheduled drain and detaches all listeners.
func (o *OfflineManager) Stop() {
	o.mu.Lock()
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
	o.reset()
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool { return o.network.Online() }

// SetOnline updates network state. Going online schedules a drain.
func (o *OfflineManager) SetOnline(online bool) { o.network.Set(online) }

func (o *OfflineManager) onNetworkChange(online bool) {
	if !online {
		o.mu.Lock()
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
		o.mu.Unlock()
		o.logger.Info("network offline")
		o.emit(EventNetworkOffline, nil)
		return
	}

	o.logger.Info("network online", "drain_in", o.drainDelay)
	o.emit(EventNetworkOnline, nil)
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(o.drainDelay, func() {
		if !o.network.Online() {
			return
		}
		if _, err := o.Drain(context.Background()); err != nil {
			o.logger.Warn("drain failed", "error", err)
		}
	})
	o.mu.Unlock()
}

// Drain replays the queue now.
func (o *OfflineManager) Drain(ctx context.Context) ([]ReplayResult, error) {
	results, err := o.Queue.ProcessPending(ctx, o.replay)
	if err != nil {
		return nil, err
	}
	o.emit(EventQueueDrained, results)
	return results, nil
}

// SyncHandler adapts Drain to the cache controller's background-sync hook.
func (o *OfflineManager) SyncHandler() SyncHandler {
	return func(ctx context.Context, tag string) error {
		if tag != SyncTagBookings {
			return nil
		}
		_, err := o.Drain(ctx)
		return err
	}
}

func (o *OfflineManager) replay(ctx context.Context, action *PendingAction) error {
	switch action.Type {
	case ActionCreateBooking:
		var booking Booking
		if err := json.Unmarshal(action.Data, &booking); err != nil {
			return fmt.Errorf("%w: decode queued booking: %v", ErrUnreplayable, err)
		}
		created, err := o.client.Bookings.CreateIdempotent(ctx, &booking, action.IdempotencyKey)
		if err != nil {
			return err
		}
		o.settleReference(ctx, booking.BookingReference, created)
		return nil
	case ActionUpdateBooking:
		_, err := o.client.Bookings.UpdateIdempotent(ctx, action.BookingID, action.Data, action.IdempotencyKey)
		return err
	case ActionCancelBooking:
		_, err := o.client.Bookings.CancelIdempotent(ctx, action.BookingID, action.Reason, action.IdempotencyKey)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, action.Type)
}

// settleReference drops the provisional local copy of a replayed create when
// the server stored the booking under its own reference.
func (o *OfflineManager) settleReference(ctx context.Context, local string, created *Booking) {
	if local == "" || created == nil || created.BookingReference == "" || created.BookingReference == local {
		return
	}
	if err := o.store.Bookings.Remove(ctx, local); err != nil {
		o.logger.Warn("provisional booking not removed", "ref", local, "server_ref", created.BookingReference, "error", err)
		return
	}
	o.logger.Info("booking reference reassigned", "ref", local, "server_ref", created.BookingReference)
	o.emit(EventBookingReassigned, ReferenceChange{From: local, To: created.BookingReference})
}

// QueueAction appends an action to the sync queue.
func (o *OfflineManager) QueueAction(ctx context.Context, action *PendingAction) (int64, error) {
	id, err := o.Queue.AddPending(ctx, action)
	if err != nil {
		return 0, err
	}
	o.emit(EventQueueAdded, action)
	return id, nil
}

// ── Booking writes ────────────────────────────────────────

// CreateBooking creates a booking. When the gateway reports a network error
// the booking is queued, saved locally and returned with Offline set. Any
// other error is returned untouched.
func (o *OfflineManager) CreateBooking(ctx context.Context, booking *Booking) (*BookingResult, error) {
	created, err := o.client.Bookings.Create(ctx, booking)
	if err == nil {
		return &BookingResult{Booking: created}, nil
	}
	if !IsNetworkError(err) {
		return nil, err
	}

	now := o.now().UTC()
	if booking.BookingReference == "" {
		booking.BookingReference = NewBookingReference(now)
	}
	if booking.Status == "" {
		booking.Status = StatusPending
	}
	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = now
	}
	data, merr := json.Marshal(booking)
	if merr != nil {
		return nil, merr
	}
	if _, qerr := o.QueueAction(ctx, &PendingAction{Type: ActionCreateBooking, Data: data}); qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	if serr := o.store.Bookings.Save(ctx, booking); serr != nil {
		o.logger.Warn("local booking save failed", "ref", booking.BookingReference, "error", serr)
	}
	o.emit(EventBookingLocal, booking)
	return &BookingResult{Booking: booking, Offline: true}, nil
}

// UpdateBooking applies changes. On a network error the update is queued and
// merged into the local copy.
func (o *OfflineManager) UpdateBooking(ctx context.Context, ref string, changes interface{}) (*BookingResult, error) {
	updated, err := o.client.Bookings.Update(ctx, ref, changes)
	if err == nil {
		return &BookingResult{Booking: updated}, nil
	}
	if !IsNetworkError(err) {
		return nil, err
	}

	doc, derr := toDocument(changes)
	if derr != nil {
		return nil, derr
	}
	data, _ := json.Marshal(doc)
	if _, qerr := o.QueueAction(ctx, &PendingAction{Type: ActionUpdateBooking, BookingID: ref, Data: data}); qerr != nil {
		return nil, errors.Join(err, qerr)
	}

	local, gerr := o.store.Bookings.Get(ctx, ref)
	if gerr != nil || local == nil {
		return &BookingResult{Booking: &Booking{BookingReference: ref}, Offline: true}, nil
	}
	doc["bookingReference"] = ref
	overlay, _ := json.Marshal(doc)
	merged, merr := o.store.Bookings.Merge(ctx, overlay)
	if merr != nil {
		o.logger.Warn("local booking update failed", "ref", ref, "error", merr)
		merged = local
	}
	o.emit(EventBookingLocal, merged)
	return &BookingResult{Booking: merged, Offline: true}, nil
}

// CancelBooking cancels a booking. On a network error the cancellation is
// queued and the local copy moves to cancelled.
func (o *OfflineManager) CancelBooking(ctx context.Context, ref, reason string) (*BookingResult, error) {
	cancelled, err := o.client.Bookings.Cancel(ctx, ref, reason)
	if err == nil {
		return &BookingResult{Booking: cancelled}, nil
	}
	if !IsNetworkError(err) {
		return nil, err
	}

	if _, qerr := o.QueueAction(ctx, &PendingAction{Type: ActionCancelBooking, BookingID: ref, Reason: reason}); qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	local, uerr := o.store.Bookings.UpdateStatus(ctx, ref, StatusCancelled)
	if uerr != nil {
		if !errors.Is(uerr, ErrNotFound) {
			o.logger.Warn("local cancel failed", "ref", ref, "error", uerr)
		}
		local = &Booking{BookingReference: ref, Status: StatusCancelled}
	}
	o.emit(EventBookingLocal, local)
	return &BookingResult{Booking: local, Offline: true}, nil
}

// ============================================================================
// Helpers
// ============================================================================

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewBookingReference returns a reference of the form SP-<year>-XXXXXX.
func NewBookingReference(now time.Time) string {
	id := uuid.New()
	var b strings.Builder
	fmt.Fprintf(&b, "SP-%d-", now.Year())
	for i := 0; i < 6; i++ {
		b.WriteByte(referenceAlphabet[int(id[i])%len(referenceAlphabet)])
	}
	return b.String()
}
