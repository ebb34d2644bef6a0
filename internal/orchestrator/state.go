package orchestrator

// State is a step of one orchestration pass.
type State int

const (
	SelectingProvider State = iota
	Attempting
	Success
	Retrying
	FallingBack
	Done
	Exhausted
)

func (s State) String() string {
	switch s {
	case SelectingProvider:
		return "SELECTING_PROVIDER"
	case Attempting:
		return "ATTEMPTING"
	case Success:
		return "SUCCESS"
	case Retrying:
		return "RETRYING"
	case FallingBack:
		return "FALLING_BACK"
	case Done:
		return "DONE"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Done || s == Exhausted }
