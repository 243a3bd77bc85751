package resources

import "strings"

// IdentifierType is the type of a subject identifier. In practice only "dns"
// identifiers are supported.
// See https://tools.ietf.org/html/rfc8555#section-9.7.7
type IdentifierType string

// TypeDNS identifies a fully qualified domain name.
const TypeDNS IdentifierType = "dns"

// The Identifier resource represents a subject identifier that can be
// included in a certificate.
//
// A DNS type identifier used in a NewOrder request is allowed to contain
// a wildcard prefix (e.g. "*."). A DNS type identifier belonging to an
// Authorization is *not* allowed to contain a wildcard prefix and is instead
// represented without the "*." prefix with the Wildcard field of the
// Authorization set to true.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5
type Identifier struct {
	// The identifier's index within its parent Order.
	ID int `json:"-"`
	// The Type of the Identifier value.
	Type IdentifierType `json:"type"`
	// The Identifier value, case-folded.
	Value string `json:"value"`
}

// Wildcard reports whether the identifier value carries a "*." prefix.
func (i Identifier) Wildcard() bool {
	return strings.HasPrefix(i.Value, "*.")
}

// BaseValue returns the identifier value without any wildcard prefix, the
// form used inside an Authorization.
func (i Identifier) BaseValue() string {
	return strings.TrimPrefix(i.Value, "*.")
}

// NormalizeIdentifiers case-folds and deduplicates the given identifiers,
// assigning each its index within the order.
func NormalizeIdentifiers(idents []Identifier) []Identifier {
	seen := make(map[string]bool, len(idents))
	var out []Identifier
	for _, ident := range idents {
		value := strings.ToLower(strings.TrimSpace(ident.Value))
		key := string(ident.Type) + ":" + value
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Identifier{
			ID:    len(out),
			Type:  ident.Type,
			Value: value,
		})
	}
	return out
}
