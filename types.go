package shuttleplus

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Result is the generic {success, data, message} envelope returned by most
// non-booking endpoints.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Booking Types
// ============================================================================

type TripType string

const (
	TripArrival   TripType = "arrival"
	TripDeparture TripType = "departure"
)

type VehicleClass string

const (
	VehicleStandard  VehicleClass = "standard"
	VehicleExecutive VehicleClass = "executive"
	VehicleSUV       VehicleClass = "suv"
	VehicleLuxury    VehicleClass = "luxury"
	VehicleVan       VehicleClass = "van"
)

// BookingStatus is the booking lifecycle state. Cancellation is a status,
// bookings are never removed server-side.
type BookingStatus string

const (
	StatusPending           BookingStatus = "pending"
	StatusConfirmed         BookingStatus = "confirmed"
	StatusDriverAssigned    BookingStatus = "driver_assigned"
	StatusDriverEnroute     BookingStatus = "driver_enroute"
	StatusDriverArrived     BookingStatus = "driver_arrived"
	StatusPassengerPickedUp BookingStatus = "passenger_picked_up"
	StatusInProgress        BookingStatus = "in_progress"
	StatusCompleted         BookingStatus = "completed"
	StatusCancelled         BookingStatus = "cancelled"
	StatusNoShow            BookingStatus = "no_show"
)

// BookingStatuses lists every defined status in lifecycle order.
var BookingStatuses = []BookingStatus{
	StatusPending, StatusConfirmed, StatusDriverAssigned, StatusDriverEnroute,
	StatusDriverArrived, StatusPassengerPickedUp, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusNoShow,
}

// Closed reports whether the status ends the trip for listing purposes.
func (s BookingStatus) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentStripe   PaymentMethod = "stripe"
	PaymentTelebirr PaymentMethod = "telebirr"
	PaymentCash     PaymentMethod = "cash"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Stop is a pickup or dropoff point.
type Stop struct {
	Location      string       `json:"location"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	ScheduledTime time.Time    `json:"scheduledTime,omitzero"`
}

type FlightInfo struct {
	Number             string    `json:"number"`
	Airline            string    `json:"airline,omitempty"`
	ScheduledArrival   time.Time `json:"scheduledArrival,omitzero"`
	ScheduledDeparture time.Time `json:"scheduledDeparture,omitzero"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Pricing is the fare snapshot taken at booking time. Totals are kept in both
// currencies together with the exchange rate used.
type Pricing struct {
	BaseFare     float64 `json:"baseFare"`
	BaseFareETB  float64 `json:"baseFareETB,omitempty"`
	TotalUSD     float64 `json:"totalUSD"`
	TotalETB     float64 `json:"totalETB"`
	ExchangeRate float64 `json:"exchangeRate"`
}

type Payment struct {
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId,omitempty"`
}

type DriverAssignment struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Vehicle string  `json:"vehicle,omitempty"`
	Plate   string  `json:"plate,omitempty"`
	Rating  float64 `json:"rating,omitempty"`
}

type StatusChange struct {
	Status    BookingStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// Booking is keyed by its human-readable reference, which is also the primary
// key of the local store.
type Booking struct {
	ID               string            `json:"_id,omitempty"`
	BookingReference string            `json:"bookingReference"`
	UserID           string            `json:"userId,omitempty"`
	Type             TripType          `json:"type,omitempty"`
	Customer         *Customer         `json:"customer,omitempty"`
	Flight           *FlightInfo       `json:"flight,omitempty"`
	Pickup           Stop              `json:"pickup"`
	Dropoff          Stop              `json:"dropoff"`
	VehicleClass     VehicleClass      `json:"vehicleClass,omitempty"`
	Passengers       int               `json:"passengers,omitempty"`
	ChildSeat        bool              `json:"childSeat,omitempty"`
	Pricing          *Pricing          `json:"pricing,omitempty"`
	Payment          *Payment          `json:"payment,omitempty"`
	Status           BookingStatus     `json:"status"`
	StatusHistory    []StatusChange    `json:"statusHistory,omitempty"`
	Driver           *DriverAssignment `json:"driver,omitempty"`
	CreatedAt        time.Time         `json:"createdAt,omitzero"`
	UpdatedAt        time.Time         `json:"updatedAt,omitzero"`
	SavedAt          time.Time         `json:"savedAt,omitzero"`
}

// sortTime is the timestamp used for newest-first ordering.
func (b *Booking) sortTime() time.Time {
	if !b.CreatedAt.IsZero() {
		return b.CreatedAt
	}
	return b.SavedAt
}

// Upcoming reports whether the pickup lies after now and the trip is still open.
func (b *Booking) Upcoming(now time.Time) bool {
	return b.Pickup.ScheduledTime.After(now) && !b.Status.Closed()
}

// BookingList is the response of GET /bookings. Offline is set when the
// list was served from the local store.
type BookingList struct {
	Bookings []*Booking `json:"bookings"`
	Offline  bool       `json:"offline,omitempty"`
}

// BookingResult wraps a single booking read. Offline is set when the record
// came from the local store.
type BookingResult struct {
	Booking *Booking
	Offline bool
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RateRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review,omitempty"`
}

type TrackingInfo struct {
	BookingReference string            `json:"bookingReference"`
	Status           BookingStatus     `json:"status"`
	Driver           *DriverAssignment `json:"driver,omitempty"`
	Location         *Coordinates      `json:"location,omitempty"`
	Heading          float64           `json:"heading,omitempty"`
	ETAMinutes       int               `json:"etaMinutes,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt,omitzero"`
}

// ============================================================================
// User Types
// ============================================================================

// UserProfile is stored as a singleton under CurrentUserID.
type UserProfile struct {
	ID                      string          `json:"id"`
	Name                    string          `json:"name,omitempty"`
	Phone                   string          `json:"phone,omitempty"`
	Email                   string          `json:"email,omitempty"`
	NotificationPreferences map[string]bool `json:"notificationPreferences,omitempty"`
}

type AuthResult struct {
	Token   string       `json:"token,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
	Message string       `json:"message,omitempty"`
}

// ============================================================================
// Sync Types
// ============================================================================

type SyncActionType string

const (
	ActionCreateBooking SyncActionType = "CREATE_BOOKING"
	ActionUpdateBooking SyncActionType = "UPDATE_BOOKING"
	ActionCancelBooking SyncActionType = "CANCEL_BOOKING"
)

// PendingAction is one deferred mutation. ID is assigned by the store.
type PendingAction struct {
	ID             int64           `json:"id,omitempty"`
	Type           SyncActionType  `json:"type"`
	BookingID      string          `json:"bookingId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt,omitzero"`
}

// ReplayResult is the outcome of replaying one pending action.
type ReplayResult struct {
	ID      int64
	Success bool
	// Dropped is set when a failed action was removed instead of kept.
	Dropped bool
	Err     error
}

// ============================================================================
// Flight / Pricing / Payment Types
// ============================================================================

type FlightStatus struct {
	FlightNumber  string    `json:"flightNumber"`
	Airline       string    `json:"airline,omitempty"`
	Status        string    `json:"status"`
	Origin        string    `json:"origin,omitempty"`
	Destination   string    `json:"destination,omitempty"`
	ScheduledTime time.Time `json:"scheduledTime,omitzero"`
	EstimatedTime time.Time `json:"estimatedTime,omitzero"`
	Terminal      string    `json:"terminal,omitempty"`
	Gate          string    `json:"gate,omitempty"`
	DelayMinutes  int       `json:"delayMinutes,omitempty"`
}

type PricingRequest struct {
	Type         TripType     `json:"type"`
	Pickup       string       `json:"pickup,omitempty"`
	Dropoff      string       `json:"dropoff"`
	Zone         string       `json:"zone,omitempty"`
	VehicleClass VehicleClass `json:"vehicleClass"`
	Passengers   int          `json:"passengers"`
	ChildSeat    bool         `json:"childSeat,omitempty"`
}

type PricingZone struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	BaseFareUSD  float64 `json:"baseFareUSD,omitempty"`
	ExchangeRate float64 `json:"exchangeRate,omitempty"`
}

type VehicleOption struct {
	Class    VehicleClass `json:"class"`
	Name     string       `json:"name"`
	MaxSeats int          `json:"maxPassengers,omitempty"`
	PriceUSD float64      `json:"priceUSD,omitempty"`
}

type StripeIntent struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type TelebirrInit struct {
	TransactionID string `json:"transactionId"`
	CheckoutURL   string `json:"checkoutUrl,omitempty"`
}

type PaymentState struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ============================================================================
// Notification / Config Types
// ============================================================================

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription mirrors the browser subscription object.
type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime"`
	Keys           PushKeys `json:"keys"`
}

type MapboxConfig struct {
	AccessToken string `json:"accessToken"`
	Style       string `json:"style,omitempty"`
}

type StripeConfig struct {
	PublishableKey string `json:"publishableKey"`
}

type VapidConfig struct {
	PublicKey string `json:"publicKey"`
}

type LocationUpdate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
}
