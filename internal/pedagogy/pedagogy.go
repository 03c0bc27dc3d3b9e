// Package pedagogy defines the closed ordinal scales used to model a learner:
// the developmental band (five levels) and the cognitive demand of a question
// (six Bloom levels).
//
// Both scales are unexported-field structs so that values outside the scale
// cannot be constructed by callers; the zero value of each type is the lowest
// level.
package pedagogy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownBand is returned when a band name or index is not on the scale.
	ErrUnknownBand = errors.New("unknown developmental band")
	// ErrUnknownDemand is returned when a demand name or index is not on the scale.
	ErrUnknownDemand = errors.New("unknown cognitive demand level")
)

// Band is a learner's developmental band.
type Band struct{ idx uint8 }

var (
	Elementary   = Band{0}
	Developing   = Band{1}
	Intermediate = Band{2}
	Proficient   = Band{3}
	Advanced     = Band{4}
)

var bandNames = [...]string{"elementary", "developing", "intermediate", "proficient", "advanced"}

// BandCount is the number of developmental bands.
const BandCount = len(bandNames)

// Bands returns every band, lowest first.
func Bands() []Band {
	return []Band{Elementary, Developing, Intermediate, Proficient, Advanced}
}

// DefaultBand is the band assigned to a learner seen for the first time.
func DefaultBand() Band { return Intermediate }

// Index returns the ordinal position of the band, 0 for elementary.
func (b Band) Index() int { return int(b.idx) }

func (b Band) String() string { return bandNames[b.idx] }

// Next returns the band above b. At the top band it returns b and false.
func (b Band) Next() (Band, bool) {
	if int(b.idx) >= BandCount-1 {
		return b, false
	}
	return Band{b.idx + 1}, true
}

// Prev returns the band below b. At the bottom band it returns b and false.
func (b Band) Prev() (Band, bool) {
	if b.idx == 0 {
		return b, false
	}
	return Band{b.idx - 1}, true
}

// Ceiling is the highest cognitive demand a learner in this band handles
// without extra load.
func (b Band) Ceiling() Demand {
	return Demand{b.idx + 1}
}

// BandFromIndex converts an ordinal index into a band.
func BandFromIndex(i int) (Band, error) {
	if i < 0 || i >= BandCount {
		return Band{}, fmt.Errorf("%w: %d", ErrUnknownBand, i)
	}
	return Band{uint8(i)}, nil
}

// ParseBand accepts a band name (case-insensitive) or its ordinal index.
func ParseBand(s string) (Band, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range bandNames {
		if s == name {
			return Band{uint8(i)}, nil
		}
	}
	if i, err := strconv.Atoi(s); err == nil {
		return BandFromIndex(i)
	}
	return Band{}, fmt.Errorf("%w: %q", ErrUnknownBand, s)
}

func (b Band) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *Band) UnmarshalText(text []byte) error {
	parsed, err := ParseBand(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Demand is the Bloom taxonomy level of a question.
type Demand struct{ idx uint8 }

var (
	Recall        = Demand{0}
	Comprehension = Demand{1}
	Application   = Demand{2}
	Analysis      = Demand{3}
	Synthesis     = Demand{4}
	Evaluation    = Demand{5}
)

var demandNames = [...]string{"recall", "comprehension", "application", "analysis", "synthesis", "evaluation"}

// DemandCount is the number of cognitive demand levels.
const DemandCount = len(demandNames)

// Demands returns every demand level, lowest first.
func Demands() []Demand {
	return []Demand{Recall, Comprehension, Application, Analysis, Synthesis, Evaluation}
}

// FallbackDemand is used when a question cannot be classified.
func FallbackDemand() Demand { return Comprehension }

func (d Demand) Index() int { return int(d.idx) }

func (d Demand) String() string { return demandNames[d.idx] }

// Next returns the level above d. At evaluation it returns d and false.
func (d Demand) Next() (Demand, bool) {
	if int(d.idx) >= DemandCount-1 {
		return d, false
	}
	return Demand{d.idx + 1}, true
}

// Prev returns the level below d. At recall it returns d and false.
func (d Demand) Prev() (Demand, bool) {
	if d.idx == 0 {
		return d, false
	}
	return Demand{d.idx - 1}, true
}

// Exceeds reports how many levels d sits above other, or 0.
func (d Demand) Exceeds(other Demand) int {
	if d.idx <= other.idx {
		return 0
	}
	return int(d.idx - other.idx)
}

func DemandFromIndex(i int) (Demand, error) {
	if i < 0 || i >= DemandCount {
		return Demand{}, fmt.Errorf("%w: %d", ErrUnknownDemand, i)
	}
	return Demand{uint8(i)}, nil
}

// ParseDemand accepts a level name (case-insensitive) or its ordinal index.
func ParseDemand(s string) (Demand, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range demandNames {
		if s == name {
			return Demand{uint8(i)}, nil
		}
	}
	if i, err := strconv.Atoi(s); err == nil {
		return DemandFromIndex(i)
	}
	return Demand{}, fmt.Errorf("%w: %q", ErrUnknownDemand, s)
}

func (d Demand) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Demand) UnmarshalText(text []byte) error {
	parsed, err := ParseDemand(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
