package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Phase is a step in the lifecycle of one resolution attempt.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePermissionCheck  Phase = "permission_check"
	PhasePermissionDenied Phase = "permission_denied"
	PhaseLocating         Phase = "locating"
	PhaseGeocoding        Phase = "geocoding"
	PhaseResolved         Phase = "resolved"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether the phase ends an attempt. Terminal phases are retry-eligible.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseFailed || p == PhasePermissionDenied
}

// Display texts.
const (
	DisplayWaiting          = "Waiting..."
	DisplayLocating         = "Locating..."
	DisplayPermissionNeeded = "Permission needed"
	DisplayPermissionDenied = "Permission denied"
	DisplayPermissionLost   = "Permission lost"
	DisplayLocationError    = "Location error"
	DisplayNetworkError     = "Network Error"
	DisplayNotFound         = "Not found"
	DisplayInvalidCoords    = "Invalid Coords"
	DisplayNoCode           = "N/A"

	SubTextArrondissement = "Arrondissement"
	SubTextPostalCode     = "Postal Code"
)

// ResolutionState is the presentation-facing snapshot of a resolution attempt.
// Values are immutable; transitions return a modified copy.
type ResolutionState struct {
	Phase          Phase        `json:"phase"`
	DisplayValue   string       `json:"display_value"`
	SubText        string       `json:"sub_text,omitempty"`
	ErrorKind      ErrorKind    `json:"error_kind,omitempty"`
	Message        string       `json:"message,omitempty"`
	PostalCode     string       `json:"postal_code,omitempty"`
	Arrondissement int          `json:"arrondissement,omitempty"`
	Coordinates    *Coordinates `json:"coordinates,omitempty"`
	Attempt        uint64       `json:"attempt"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewResolutionState returns the initial Idle state.
func NewResolutionState() ResolutionState {
	return ResolutionState{
		Phase:        PhaseIdle,
		DisplayValue: DisplayWaiting,
		UpdatedAt:    clock.Now(),
	}
}

// IsLoading is true while a location or geocode result is awaited.
func (s ResolutionState) IsLoading() bool {
	return s.Phase == PhaseLocating || s.Phase == PhaseGeocoding
}

// Start begins a new attempt from any phase.
func (s ResolutionState) Start() ResolutionState {
	return s.next(PhasePermissionCheck, DisplayWaiting, s.Attempt+1)
}

// Retry begins a new attempt from a terminal phase.
func (s ResolutionState) Retry() (ResolutionState, error) {
	if !s.Phase.Terminal() {
		return s, s.invalid("retry")
	}
	return s.next(PhasePermissionCheck, DisplayLocating, s.Attempt+1), nil
}

// PermissionGranted moves to Locating once permission is known to be held.
func (s ResolutionState) PermissionGranted() (ResolutionState, error) {
	if s.Phase != PhasePermissionCheck && s.Phase != PhasePermissionDenied {
		return s, s.invalid("permission granted")
	}
	return s.next(PhaseLocating, DisplayLocating, s.Attempt), nil
}

// PermissionNeeded records that permission has not been granted yet and the
// presentation layer should ask for it.
func (s ResolutionState) PermissionNeeded() (ResolutionState, error) {
	if s.Phase != PhasePermissionCheck {
		return s, s.invalid("permission needed")
	}
	n := s.next(PhasePermissionDenied, DisplayPermissionNeeded, s.Attempt)
	n.ErrorKind = ErrorKindPermissionDenied
	n.Message = "Grant permission to find location."
	return n, nil
}

// PermissionRefused records an explicit refusal from the user.
func (s ResolutionState) PermissionRefused() (ResolutionState, error) {
	if s.Phase != PhasePermissionCheck && s.Phase != PhasePermissionDenied {
		return s, s.invalid("permission refused")
	}
	n := s.next(PhasePermissionDenied, DisplayPermissionDenied, s.Attempt)
	n.ErrorKind = ErrorKindPermissionDenied
	n.Message = "Location permission is required."
	return n, nil
}

// LocationObtained moves to Geocoding with the acquired fix.
func (s ResolutionState) LocationObtained(c Coordinates) (ResolutionState, error) {
	if s.Phase != PhaseLocating {
		return s, s.invalid("location obtained")
	}
	n := s.next(PhaseGeocoding, DisplayLocating, s.Attempt)
	n.Coordinates = &c
	return n, nil
}

// LocationFailed ends the attempt after a failed acquisition. A revoked
// permission lands in PermissionDenied, everything else in Failed.
func (s ResolutionState) LocationFailed(kind ErrorKind) (ResolutionState, error) {
	if s.Phase != PhaseLocating {
		return s, s.invalid("location failed")
	}
	var n ResolutionState
	switch kind {
	case ErrorKindPermissionRevoked:
		n = s.next(PhasePermissionDenied, DisplayPermissionLost, s.Attempt)
		n.Message = "Permission was lost before the location request."
	case ErrorKindInvalidCoordinates:
		n = s.next(PhaseFailed, DisplayInvalidCoords, s.Attempt)
		n.Message = "Invalid location coordinates for geocoding."
	default:
		kind = ErrorKindLocationUnavailable
		n = s.next(PhaseFailed, DisplayLocationError, s.Attempt)
		n.Message = "Could not retrieve location."
	}
	n.ErrorKind = kind
	return n, nil
}

// Classified resolves the attempt from a postal code classification.
func (s ResolutionState) Classified(c Classification) (ResolutionState, error) {
	if s.Phase != PhaseGeocoding {
		return s, s.invalid("classified")
	}
	n := s.next(PhaseResolved, "", s.Attempt)
	n.Coordinates = s.Coordinates
	n.PostalCode = c.PostalCode
	switch c.Kind {
	case KindArrondissement:
		n.DisplayValue = strconv.Itoa(c.Arrondissement)
		n.SubText = SubTextArrondissement
		n.Arrondissement = c.Arrondissement
	case KindUnparsablePostalCode:
		n.DisplayValue = c.PostalCode
		n.SubText = SubTextPostalCode
		n.ErrorKind = ErrorKindParseError
		n.Message = fmt.Sprintf("Could not parse arrondissement from %s.", c.PostalCode)
	case KindNotParisCode:
		n.DisplayValue = c.PostalCode
		// Informational: a valid result outside Paris carries no error kind.
		n.SubText = SubTextPostalCode
		n.Message = "Not a Paris, FR postal code."
	default:
		n.DisplayValue = DisplayNoCode
		n.ErrorKind = ErrorKindNoAddressFound
		n.Message = "No postal code found."
	}
	return n, nil
}

// GeocodingFailed ends the attempt after a reverse geocoding failure.
func (s ResolutionState) GeocodingFailed(kind ErrorKind) (ResolutionState, error) {
	if s.Phase != PhaseGeocoding {
		return s, s.invalid("geocoding failed")
	}
	var n ResolutionState
	switch kind {
	case ErrorKindNoAddressFound:
		n = s.next(PhaseFailed, DisplayNotFound, s.Attempt)
		n.Message = "No address found for the current location."
	case ErrorKindInvalidCoordinates:
		n = s.next(PhaseFailed, DisplayInvalidCoords, s.Attempt)
		n.Message = "Invalid location coordinates for geocoding."
	default:
		kind = ErrorKindGeocodingUnavailable
		n = s.next(PhaseFailed, DisplayNetworkError, s.Attempt)
		n.Message = "Geocoder service unavailable. Check internet connection."
	}
	n.Coordinates = s.Coordinates
	n.ErrorKind = kind
	return n, nil
}

// next builds the successor state. Fields that only make sense in a
// specific phase (subtext, error, result) are cleared.
func (s ResolutionState) next(phase Phase, display string, attempt uint64) ResolutionState {
	return ResolutionState{
		Phase:        phase,
		DisplayValue: display,
		Attempt:      attempt,
		UpdatedAt:    clock.Now(),
	}
}

func (s ResolutionState) invalid(event string) error {
	return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, event, s.Phase)
}
