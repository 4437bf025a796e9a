package bootstrap

import (
	"time"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

// DefaultEndpoint is the OpenOCD GDB port on the local host.
const DefaultEndpoint = "localhost:3333"

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultStepTimeout    = 30 * time.Second
)

// LoadProgress reports load step progress.
type LoadProgress = target.LoadProgress

// Options configures a bootstrap run.
type Options struct {
	Endpoint string
	// ConnectTimeout bounds step 1.
	ConnectTimeout time.Duration
	// StepTimeout bounds every other step.
	StepTimeout time.Duration
	Demangle    bool
	// TolerateUnsupported downgrades a missing semihosting capability from
	// an abort to a warning.
	TolerateUnsupported bool
	// Breakpoints are symbol names, demangled names or 0x addresses set
	// after a verified load.
	Breakpoints []string
	// CompareSections limits step 7 to the named sections.
	CompareSections []string
	// ImagePath is the image a script's load command names, if any.
	ImagePath string
	// KeepOpen leaves the session connected after Run succeeds so the
	// caller can keep using the target.
	KeepOpen bool

	Progress func(LoadProgress)
}

// DefaultOptions returns the options of the canonical bootstrap script.
func DefaultOptions() Options {
	return Options{
		Endpoint:       DefaultEndpoint,
		ConnectTimeout: DefaultConnectTimeout,
		StepTimeout:    DefaultStepTimeout,
		Demangle:       true,
	}
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	return o
}
