// Package memory implements the long-term memory contract: episodes (what
// happened), facts (subject/predicate statements with supersession), and
// rules (standing guidance), plus typed links and an append-only event
// trail.
package memory

import (
	"errors"
	"fmt"
)

// Permanence classes, most to least durable.
const (
	PermanencePermanent = "permanent"
	PermanenceStable    = "stable"
	PermanenceStandard  = "standard"
	PermanenceVolatile  = "volatile"
	PermanenceEphemeral = "ephemeral"
)

// ErrUnknownPermanence indicates a permanence class outside the table.
var ErrUnknownPermanence = errors.New("unknown permanence class")

// decayRates maps permanence to daily decay. Strictly increasing from
// permanent to ephemeral.
var decayRates = map[string]float64{
	PermanencePermanent: 0,
	PermanenceStable:    0.002,
	PermanenceStandard:  0.008,
	PermanenceVolatile:  0.03,
	PermanenceEphemeral: 0.1,
}

// PermanenceOrder lists classes most durable first.
var PermanenceOrder = []string{
	PermanencePermanent,
	PermanenceStable,
	PermanenceStandard,
	PermanenceVolatile,
	PermanenceEphemeral,
}

// DecayRate returns the decay rate for a permanence class.
func DecayRate(permanence string) (float64, error) {
	rate, ok := decayRates[permanence]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPermanence, permanence)
	}
	return rate, nil
}
