// Package domain models the resolution of a Paris arrondissement from a
// device location fix.
//
// # Postal codes
//
// Paris postal codes have the form "750NN" where NN is the arrondissement
// (75001 through 75020). The 16th arrondissement also uses 75116. The
// classifier only looks at the "75" prefix and the last two characters:
//
//	"75016" → Arrondissement(16)
//	"75116" → Arrondissement(16)
//	"7501A" → UnparsablePostalCode
//	"69001" → NotParisCode
//	""      → NoCode
//
// No length or range validation is applied, so "7599" classifies as
// Arrondissement(99). [Classification.InParisRange] reports whether the
// number is a real district without changing the classification.
//
// # Resolution lifecycle
//
// A [ResolutionState] moves through the phases
//
//	Idle → PermissionCheck → (PermissionDenied | Locating) → Geocoding → (Resolved | Failed)
//
// Resolved, Failed and PermissionDenied are retry-eligible: [ResolutionState.Retry]
// returns to PermissionCheck. Transitions are pure methods that return a new
// state, or [ErrInvalidTransition] when the event does not apply to the
// current phase. The session package owns the only mutable copy.
//
// # Collaborators
//
// Location fixes, permission state and reverse geocoding come from the
// outside world through [PermissionGate], [LocationProvider] and
// [ReverseGeocoder]. Adapters live under internal/adapter.
package domain
