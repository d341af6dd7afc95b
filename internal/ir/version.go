package ir

// Version constants for the persisted state layout and engine.
const (
	// StateVersion is the grouping state snapshot layout version.
	StateVersion = "1"

	// EngineVersion is the offermatch engine version.
	EngineVersion = "0.3.0"
)
