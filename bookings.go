package shuttleplus

import (
	"context"
	"encoding/json"
	"net/http"
)

// ============================================================================
// Bookings
// ============================================================================

// BookingsClient talks to /bookings. Successful responses are written through
// to the local store; reads fall back to the store while offline. Writes never
// queue on their own: see OfflineManager for deferral.
type BookingsClient struct{ c *Client }

// Create submits a new booking and stores the server's version.
func (b *BookingsClient) Create(ctx context.Context, booking *Booking) (*Booking, error) {
	return b.write(ctx, http.MethodPost, "/bookings", booking, nil)
}

// Update applies partial changes to a booking.
func (b *BookingsClient) Update(ctx context.Context, ref string, changes interface{}) (*Booking, error) {
	return b.write(ctx, http.MethodPut, "/bookings/"+pathEscape(ref), changes, nil)
}

// CreateIdempotent is Create with an Idempotency-Key header.
func (b *BookingsClient) CreateIdempotent(ctx context.Context, booking *Booking, key string) (*Booking, error) {
	return b.write(ctx, http.MethodPost, "/bookings", booking, idempotencyHeader(key))
}

func (b *BookingsClient) UpdateIdempotent(ctx context.Context, ref string, changes interface{}, key string) (*Booking, error) {
	return b.write(ctx, http.MethodPut, "/bookings/"+pathEscape(ref), changes, idempotencyHeader(key))
}

// Cancel cancels a booking. Bookings are never deleted; the server moves it
// to the cancelled status.
func (b *BookingsClient) Cancel(ctx context.Context, ref, reason string) (*Booking, error) {
	return b.cancel(ctx, ref, reason, nil)
}

func (b *BookingsClient) CancelIdempotent(ctx context.Context, ref, reason, key string) (*Booking, error) {
	return b.cancel(ctx, ref, reason, idempotencyHeader(key))
}

func (b *BookingsClient) cancel(ctx context.Context, ref, reason string, opts *RequestOptions) (*Booking, error) {
	data, err := b.c.Delete(ctx, "/bookings/"+pathEscape(ref), &CancelRequest{Reason: reason}, opts)
	if err != nil {
		return nil, err
	}
	if booking := b.writeThrough(ctx, data); booking != nil {
		return booking, nil
	}
	// The server answered with a bare acknowledgement.
	if b.c.store != nil {
		booking, err := b.c.store.Bookings.UpdateStatus(ctx, ref, StatusCancelled)
		if err == nil {
			return booking, nil
		}
		b.c.logger.Debug("local cancel skipped", "ref", ref, "error", err)
	}
	return &Booking{BookingReference: ref, Status: StatusCancelled}, nil
}

func (b *BookingsClient) write(ctx context.Context, method, endpoint string, body interface{}, opts *RequestOptions) (*Booking, error) {
	data, err := b.c.Request(ctx, method, endpoint, body, opts)
	if err != nil {
		return nil, err
	}
	if booking := b.writeThrough(ctx, data); booking != nil {
		return booking, nil
	}
	return decodeJSON[Booking](data)
}

// writeThrough merges a server booking document into the store. It returns
// nil when data is not a booking.
func (b *BookingsClient) writeThrough(ctx context.Context, data json.RawMessage) *Booking {
	var head struct {
		BookingReference string `json:"bookingReference"`
	}
	if json.Unmarshal(data, &head) != nil || head.BookingReference == "" {
		return nil
	}
	if b.c.store == nil {
		booking, err := decodeJSON[Booking](data)
		if err != nil {
			return nil
		}
		return booking
	}
	booking, err := b.c.store.Bookings.Merge(ctx, data)
	if err != nil {
		b.c.logger.Warn("write-through failed", "ref", head.BookingReference, "error", err)
		booking, err = decodeJSON[Booking](data)
		if err != nil {
			return nil
		}
	}
	return booking
}

// List returns the user's bookings. While offline, a failed call is served
// from the local store with Offline set.
func (b *BookingsClient) List(ctx context.Context) (*BookingList, error) {
	data, err := b.c.Get(ctx, "/bookings", nil)
	if err != nil {
		if fallback, ok := b.offlineList(ctx); ok {
			return fallback, nil
		}
		return nil, err
	}

	var resp struct {
		Bookings []json.RawMessage `json:"bookings"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	list := &BookingList{Bookings: make([]*Booking, 0, len(resp.Bookings))}
	for _, raw := range resp.Bookings {
		if b.c.store != nil {
			if err := b.c.store.Bookings.SaveRaw(ctx, raw); err != nil {
				b.c.logger.Warn("write-through failed", "error", err)
			}
		}
		booking, err := decodeJSON[Booking](raw)
		if err != nil {
			return nil, err
		}
		list.Bookings = append(list.Bookings, booking)
	}
	return list, nil
}

func (b *BookingsClient) offlineList(ctx context.Context) (*BookingList, bool) {
	if b.c.network.Online() || b.c.store == nil {
		return nil, false
	}
	bookings, err := b.c.store.Bookings.All(ctx)
	if err != nil {
		b.c.logger.Warn("offline fallback unavailable", "error", err)
		return nil, false
	}
	return &BookingList{Bookings: bookings, Offline: true}, true
}

// Get fetches one booking. While offline, a failed call is served from the
// local store with Offline set.
func (b *BookingsClient) Get(ctx context.Context, ref string) (*BookingResult, error) {
	data, err := b.c.Get(ctx, "/bookings/"+pathEscape(ref), nil)
	if err != nil {
		if !b.c.network.Online() && b.c.store != nil {
			booking, serr := b.c.store.Bookings.Get(ctx, ref)
			if serr == nil && booking != nil {
				return &BookingResult{Booking: booking, Offline: true}, nil
			}
		}
		return nil, err
	}
	if b.c.store != nil {
		if err := b.c.store.Bookings.SaveRaw(ctx, data); err != nil {
			b.c.logger.Warn("write-through failed", "ref", ref, "error", err)
		}
	}
	booking, err := decodeJSON[Booking](data)
	if err != nil {
		return nil, err
	}
	return &BookingResult{Booking: booking}, nil
}

func (b *BookingsClient) Tracking(ctx context.Context, ref string) (*TrackingInfo, error) {
	return do[TrackingInfo](ctx, b.c, http.MethodGet, "/bookings/"+pathEscape(ref)+"/tracking", nil, nil)
}

func (b *BookingsClient) Rate(ctx context.Context, ref string, rating int, review string) (*Result, error) {
	return do[Result](ctx, b.c, http.MethodPost, "/bookings/"+pathEscape(ref)+"/rate", &RateRequest{Rating: rating, Review: review}, nil)
}

func idempotencyHeader(key string) *RequestOptions {
	if key == "" {
		return nil
	}
	return &RequestOptions{Headers: map[string]string{"Idempotency-Key": key}}
}
