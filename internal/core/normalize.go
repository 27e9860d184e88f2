package core

import "strings"

// DefaultDomesticCode is the French country calling code.
const DefaultDomesticCode = "33"

// Origin says whether a number belongs to the domestic numbering plan.
type Origin int

const (
	Foreign Origin = iota
	Domestic
)

func (o Origin) String() string {
	if o == Domestic {
		return "domestic"
	}
	return "foreign"
}

// PhoneRecord is one batch row reduced to its telephone value.
type PhoneRecord struct {
	Telephone string
	Fields    []string
}

// Classified is the result of normalizing one telephone value.
type Classified struct {
	Origin   Origin
	Cleaned  string // after CleanTelephone
	National string // Cleaned without the country code; empty for foreign numbers
}

// CleanTelephone trims spaces, then removes one leading '+' and one trailing
// literal ".0" (a float artifact left by spreadsheet exports).
func CleanTelephone(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimSuffix(s, ".0")
	return s
}

// Normalizer classifies telephone numbers against a domestic country code.
type Normalizer struct {
	code string
}

// NewNormalizer returns a Normalizer for the given country code. An empty
// code falls back to DefaultDomesticCode.
func NewNormalizer(domesticCode string) *Normalizer {
	if domesticCode == "" {
		domesticCode = DefaultDomesticCode
	}
	return &Normalizer{code: domesticCode}
}

// DomesticCode returns the configured country code.
func (n *Normalizer) DomesticCode() string { return n.code }

// Classify cleans raw and decides whether it is domestic. Malformed or empty
// input is classified as foreign with whatever remains after cleaning.
func (n *Normalizer) Classify(raw string) Classified {
	cleaned := CleanTelephone(raw)
	if strings.HasPrefix(cleaned, n.code) {
		return Classified{
			Origin:   Domestic,
			Cleaned:  cleaned,
			National: cleaned[len(n.code):],
		}
	}
	return Classified{Origin: Foreign, Cleaned: cleaned}
}

// Partition splits records into domestic and foreign sets, preserving order
// within each set. Domestic records have Telephone replaced by the national
// number; foreign records carry the cleaned number.
func (n *Normalizer) Partition(records []PhoneRecord) (domestic, foreign []PhoneRecord) {
	for _, r := range records {
		c := n.Classify(r.Telephone)
		if c.Origin == Domestic {
			r.Telephone = c.National
			domestic = append(domestic, r)
		} else {
			r.Telephone = c.Cleaned
			foreign = append(foreign, r)
		}
	}
	return domestic, foreign
}
