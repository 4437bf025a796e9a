package bootstrap

// State is the position of a session in the bootstrap sequence.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSemihostingEnabled
	StateHalted
	StateLoaded
	StateHaltedAgain
	StateVerified
	StateAborted
)

var stateNames = [...]string{
	StateDisconnected:       "Disconnected",
	StateConnected:          "Connected",
	StateSemihostingEnabled: "SemihostingEnabled",
	StateHalted:             "Halted",
	StateLoaded:             "Loaded",
	StateHaltedAgain:        "HaltedAgain",
	StateVerified:           "Verified",
	StateAborted:            "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Step numbers a step of the sequence, starting at 1.
type Step int

const (
	StepConnect Step = iota + 1
	StepDemangle
	StepSemihosting
	StepResetHalt
	StepLoad
	StepResetHaltAgain
	StepCompare
	// StepBreakpoints runs only when breakpoints are configured.
	StepBreakpoints
)

var stepNames = [...]string{
	StepConnect:        "connect",
	StepDemangle:       "demangle-symbols",
	StepSemihosting:    "enable-semihosting",
	StepResetHalt:      "reset-and-halt",
	StepLoad:           "load-image",
	StepResetHaltAgain: "reset-and-halt",
	StepCompare:        "compare-loaded-sections",
	StepBreakpoints:    "set-breakpoints",
}

func (s Step) String() string {
	if s > 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}
