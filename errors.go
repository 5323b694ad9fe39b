package crowdmix

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrSessionExpired is returned when an authenticated call exhausts its
	// refresh budget. It is also broadcast on the SessionBus.
	ErrSessionExpired = errors.New("crowdmix: session expired")

	// ErrInvalidCredentials is returned by a refresh whose refresh token was
	// rejected or missing.
	ErrInvalidCredentials = errors.New("crowdmix: invalid credentials")

	// ErrPermissionDenied is returned for authorized-but-forbidden responses,
	// e.g. reordering a playlist owned by someone else.
	ErrPermissionDenied = errors.New("crowdmix: permission denied")

	// ErrNotFound is returned for missing remote resources.
	ErrNotFound = errors.New("crowdmix: not found")

	// ErrNoSnapshot is returned by a SnapshotStore with nothing for the kind.
	ErrNoSnapshot = errors.New("crowdmix: no offline snapshot")

	// ErrSnapshotMismatch is returned when a snapshot exists for the kind but
	// was saved under a different identifying key.
	ErrSnapshotMismatch = errors.New("crowdmix: offline snapshot key mismatch")

	// ErrVotingClosed is returned client-side when a vote is attempted outside
	// the event's voting window.
	ErrVotingClosed = errors.New("crowdmix: voting window closed")

	// ErrLocationRequired is returned client-side when the event gates voting
	// on location and none has been provided.
	ErrLocationRequired = errors.New("crowdmix: location required before voting")

	// ErrNotConnected is returned when using a realtime stream that is not
	// currently connected.
	ErrNotConnected = errors.New("crowdmix: not connected")

	// ErrStreamClosed is returned by Connect on a stream that was already
	// disconnected. Streams are one-shot; create a new one with Client.Stream.
	ErrStreamClosed = errors.New("crowdmix: stream closed")
)

// APIError is a structured error reported by the service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("crowdmix: api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("crowdmix: api error %d: %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses onto sentinel errors so callers can use
// errors.Is without inspecting status codes.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrSessionExpired
	}
	return nil
}

// DecodeError wraps a response-shape mismatch.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crowdmix: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsPermissionDenied reports whether err represents a 403.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsNotFound reports whether err represents a 404.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
