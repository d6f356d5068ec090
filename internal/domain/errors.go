package domain

import "errors"

var (
	// ErrInvalidTransition is returned when an event does not apply to the current phase.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPermissionRevoked signals that location permission was lost between check and use.
	ErrPermissionRevoked = errors.New("location permission revoked")

	// ErrLocationUnavailable signals that no fix could be obtained.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrGeocodingUnavailable signals a network or service failure during reverse geocoding.
	ErrGeocodingUnavailable = errors.New("geocoding unavailable")

	// ErrNoAddressFound is returned by a ReverseGeocoder that succeeded with zero results.
	ErrNoAddressFound = errors.New("no address found")

	// ErrInvalidCoordinates is returned for latitude/longitude outside the WGS-84 range.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	// ErrSessionClosed is returned by session operations after Stop.
	ErrSessionClosed = errors.New("session closed")
)

// ErrorKind classifies a failure for presentation. The zero value means no error.
type ErrorKind string

const (
	ErrorKindNone                 ErrorKind = ""
	ErrorKindPermissionDenied     ErrorKind = "permission_denied"
	ErrorKindPermissionRevoked    ErrorKind = "permission_revoked"
	ErrorKindLocationUnavailable  ErrorKind = "location_unavailable"
	ErrorKindGeocodingUnavailable ErrorKind = "geocoding_unavailable"
	ErrorKindNoAddressFound       ErrorKind = "no_address_found"
	ErrorKindParseError           ErrorKind = "parse_error"
	ErrorKindInvalidCoordinates   ErrorKind = "invalid_coordinates"
)

// IsFailure reports whether the kind should be presented as a failure.
func (k ErrorKind) IsFailure() bool {
	return k != ErrorKindNone
}

// LocationErrorKind maps an error from a LocationProvider to an ErrorKind.
func LocationErrorKind(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrPermissionRevoked):
		return ErrorKindPermissionRevoked
	case errors.Is(err, ErrInvalidCoordinates):
		return ErrorKindInvalidCoordinates
	default:
		return ErrorKindLocationUnavailable
	}
}

// GeocodingErrorKind maps an error from a ReverseGeocoder to an ErrorKind.
func GeocodingErrorKind(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrNoAddressFound):
		return ErrorKindNoAddressFound
	case errors.Is(err, ErrInvalidCoordinates):
		return ErrorKindInvalidCoordinates
	default:
		return ErrorKindGeocodingUnavailable
	}
}
