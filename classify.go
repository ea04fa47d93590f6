package main

// SafetyState is the binary classification of a distance reading against the
// configured threshold.  StateUnknown is never produced by Classify; it marks
// "nothing applied yet" inside the indicator driver.
type SafetyState int

const (
	StateUnknown SafetyState = iota
	StateSafe
	StateUnsafe
)

func (s SafetyState) String() string {
	switch s {
	case StateSafe:
		return "safe"
	case StateUnsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Classify maps a distance to a safety state.  Anything strictly closer than
// threshold is unsafe; the boundary itself is safe.
func Classify(distance, threshold float64) SafetyState {
	if distance < threshold {
		return StateUnsafe
	}
	return StateSafe
}
