package domain

import (
	"strconv"
	"strings"
)

// parisPrefix is the département prefix shared by all Paris postal codes.
const parisPrefix = "75"

// ClassificationKind is the outcome of classifying a postal code.
type ClassificationKind string

const (
	KindNoCode               ClassificationKind = "no_code"
	KindArrondissement       ClassificationKind = "arrondissement"
	KindUnparsablePostalCode ClassificationKind = "unparsable_postal_code"
	KindNotParisCode         ClassificationKind = "not_paris_code"
)

// Classification is the result of ClassifyPostalCode.
type Classification struct {
	Kind           ClassificationKind
	Arrondissement int    // set only for KindArrondissement
	PostalCode     string // raw input, empty for KindNoCode
}

// ClassifyPostalCode decides whether code denotes a Paris arrondissement.
// The empty string is the absent code. Checks run in order: presence,
// "75" prefix with length ≥ 2, then the last two characters as a base-10
// integer. No 5-digit or 1–20 range validation is applied.
func ClassifyPostalCode(code string) Classification {
	if code == "" {
		return Classification{Kind: KindNoCode}
	}
	if len(code) < 2 || !strings.HasPrefix(code, parisPrefix) {
		return Classification{Kind: KindNotParisCode, PostalCode: code}
	}
	n, err := strconv.Atoi(code[len(code)-2:])
	if err != nil {
		return Classification{Kind: KindUnparsablePostalCode, PostalCode: code}
	}
	return Classification{Kind: KindArrondissement, Arrondissement: n, PostalCode: code}
}

// InParisRange reports whether the classification names one of the 20 real
// arrondissements. It never affects the classification itself.
func (c Classification) InParisRange() bool {
	return c.Kind == KindArrondissement && c.Arrondissement >= 1 && c.Arrondissement <= 20
}
