package proposal

import "math/rand/v2"

// Scorer derives a credit score in [0, 1000] from a normalised identifier.
type Scorer interface {
	Score(identifier string) int
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(identifier string) int

func (f ScorerFunc) Score(identifier string) int { return f(identifier) }

// Band is a half-open score range [Min, Max).
type Band struct {
	Min int
	Max int
}

// DefaultBands is indexed by the last identifier digit. Neighbouring bands
// overlap.
var DefaultBands = [10]Band{
	{0, 50},
	{50, 101},
	{101, 250},
	{200, 350},
	{300, 501},
	{450, 600},
	{501, 700},
	{650, 800},
	{750, 900},
	{850, 1001},
}

// BandScorer draws a score uniformly from the band keyed by the last digit
// of the identifier. A non-digit last character falls back to band 0.
type BandScorer struct {
	Bands [10]Band
	// IntN returns a value in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// NewBandScorer returns a BandScorer over DefaultBands.
func NewBandScorer() *BandScorer {
	return &BandScorer{Bands: DefaultBands, IntN: rand.IntN}
}

func (s *BandScorer) Score(identifier string) int {
	band := s.Bands[lastDigit(identifier)]
	intN := s.IntN
	if intN == nil {
		intN = rand.IntN
	}
	return band.Min + intN(band.Max-band.Min)
}

func lastDigit(identifier string) int {
	if identifier == "" {
		return 0
	}
	c := identifier[len(identifier)-1]
	if c < '0' || c > '9' {
		return 0
	}
	return int(c - '0')
}
