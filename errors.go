package shuttleplus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrStorageUnavailable means the local database could not be opened.
	// Callers treat it as "no offline data".
	ErrStorageUnavailable = errors.New("shuttleplus: storage unavailable")
	ErrNotFound           = errors.New("shuttleplus: not found")

	ErrTimeout = errors.New("shuttleplus: request timeout")
	ErrNetwork = errors.New("shuttleplus: no internet connection")
	ErrHTTP    = errors.New("shuttleplus: http error")
	ErrRequest = errors.New("shuttleplus: request failed")
)

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindNetwork ErrorKind = "network"
	KindHTTP    ErrorKind = "http"
	KindRequest ErrorKind = "request"
)

// APIError is the single error shape returned by the gateway. Status is 0 for
// network and generic request failures, 408 for timeouts and the server status
// otherwise.
type APIError struct {
	Kind    ErrorKind
	Message string
	Status  int
	Data    json.RawMessage
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d)", e.Message, e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can use errors.Is(err, ErrNetwork).
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrHTTP:
		return e.Kind == KindHTTP
	case ErrRequest:
		return e.Kind == KindRequest
	}
	return false
}

// DecodeData unmarshals the parsed error body.
func (e *APIError) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// IsNetworkError reports whether err is a gateway failure caused by lost
// connectivity.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// StatusOf returns the status carried by an APIError, or -1.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return -1
}
