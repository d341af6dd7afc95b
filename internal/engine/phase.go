package engine

// Phase is the engine state observed from outside.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseApplying
	PhaseEmitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseApplying:
		return "applying"
	case PhaseEmitting:
		return "emitting"
	}
	return "unknown"
}
