package canon

import (
	"regexp"
	"strings"

	"github.com/yourorg/valuation-api/internal/model"
)

var rePunct = regexp.MustCompile(`[^A-Za-z0-9\s]`)

// Address is a USPS-style normalized address. It is only used to recognise
// the subject property inside a provider's result set; cache keys never go
// through it (see IdentityKey).
type Address struct {
	Line1 string
	City  string
	State string
	Zip   string
}

// Canonicalize normalizes an address for matching. It ignores unit/suite and
// the zip+4 extension so "123 Main Street Apt 4" and "123 MAIN ST" match.
func Canonicalize(line1, city, state, zip string) Address {
	n1 := strings.TrimSpace(strings.ToUpper(line1))
	n1 = stripUnit(n1)
	n1 = rePunct.ReplaceAllString(n1, " ")
	n1 = collapseSpaces(n1)
	n1 = abbreviateSuffix(n1)

	c := collapseSpaces(rePunct.ReplaceAllString(strings.ToUpper(strings.TrimSpace(city)), " "))
	st := strings.ToUpper(strings.TrimSpace(state))
	if len(st) > 2 {
		st = stateAbbrev(st)
	}
	return Address{Line1: n1, City: c, State: st, Zip: trimZIP(zip)}
}

func CanonicalizeIdentity(id model.PropertyIdentity) Address {
	return Canonicalize(id.Address, id.City, id.State, id.Zip)
}

// SameProperty reports whether two addresses refer to the same parcel. Zip is
// compared only when both sides carry one.
func (a Address) SameProperty(b Address) bool {
	if a.Line1 != b.Line1 || a.State != b.State {
		return false
	}
	if a.City != b.City && a.City != "" && b.City != "" {
		return false
	}
	return a.Zip == "" || b.Zip == "" || a.Zip == b.Zip
}

func (a Address) OneLine() string {
	return a.Line1 + ", " + a.City + ", " + a.State + " " + a.Zip
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimZIP(z string) string {
	z = strings.TrimSpace(z)
	if len(z) >= 5 {
		return z[:5]
	}
	return z
}

func stripUnit(s string) string {
	// Remove trailing unit designators like APT, UNIT, STE, SUITE, #
	toks := []string{" APT ", " UNIT ", " STE ", " SUITE ", " #"}
	up := " " + s + " "
	for _, t := range toks {
		if i := strings.Index(up, t); i >= 0 {
			return strings.TrimSpace(up[:i])
		}
	}
	return strings.TrimSpace(s)
}

var suffixes = map[string]string{
	"STREET":    "ST",
	"ROAD":      "RD",
	"AVENUE":    "AVE",
	"BOULEVARD": "BLVD",
	"DRIVE":     "DR",
	"LANE":      "LN",
	"COURT":     "CT",
	"CIRCLE":    "CIR",
	"TERRACE":   "TER",
	"PLACE":     "PL",
	"PARKWAY":   "PKWY",
	"HIGHWAY":   "HWY",
}

// abbreviateSuffix works token by token so "STREETSBORO RD" keeps its name.
func abbreviateSuffix(s string) string {
	toks := strings.Fields(s)
	for i, t := range toks {
		if i == 0 {
			continue
		}
		if v, ok := suffixes[t]; ok {
			toks[i] = v
		}
	}
	return strings.Join(toks, " ")
}

var states = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR", "CALIFORNIA": "CA", "COLORADO": "CO", "CONNECTICUT": "CT", "DELAWARE": "DE", "DISTRICT OF COLUMBIA": "DC", "FLORIDA": "FL", "GEORGIA": "GA", "HAWAII": "HI", "IDAHO": "ID", "ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS", "KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD", "MASSACHUSETTS": "MA", "MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS", "MISSOURI": "MO", "MONTANA": "MT", "NEBRASKA": "NE", "NEVADA": "NV", "NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM", "NEW YORK": "NY", "NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK", "OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI", "SOUTH CAROLINA": "SC", "SOUTH DAKOTA": "SD", "TENNESSEE": "TN", "TEXAS": "TX", "UTAH": "UT", "VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA", "WEST VIRGINIA": "WV", "WISCONSIN": "WI", "WYOMING": "WY",
}

func stateAbbrev(s string) string {
	if v, ok := states[collapseSpaces(s)]; ok {
		return v
	}
	return s
}
