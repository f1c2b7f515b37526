package view

import (
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

// NextStep is the action offered to the reader alongside a status.
type NextStep string

const (
	NextNone     NextStep = ""
	NextRetry    NextStep = "retry"
	NextResume   NextStep = "resume"
	NextWait     NextStep = "wait"
	NextSettings NextStep = "settings"
	NextRevert   NextStep = "revert"
	NextShow     NextStep = "show"
	NextRefresh  NextStep = "refresh"
)

// Status is a human-readable outcome with the step that addresses it.
type Status struct {
	Message string        `json:"message"`
	Next    NextStep      `json:"next,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
}

// Describe turns an enhancement error into a reader-facing status.
func Describe(err error) Status {
	switch protocol.Classify(err) {
	case protocol.KindNone:
		return Status{Message: "Enhanced"}
	case protocol.KindPeerUnavailable:
		return Status{Message: "Could not reach the enhancement worker", Next: NextRetry}
	case protocol.KindRateLimited:
		var rl *protocol.RateLimitError
		if errors.As(err, &rl) && rl.Wait > 0 {
			secs := protocol.WaitSeconds(err)
			return Status{
				Message: fmt.Sprintf("Rate limited, try again in %ds", secs),
				Next:    NextWait,
				Wait:    time.Duration(secs) * time.Second,
			}
		}
		return Status{Message: "Rate limited", Next: NextResume}
	case protocol.KindConfiguration:
		return Status{Message: "API key missing or rejected", Next: NextSettings}
	case protocol.KindStructuralMismatch:
		return Status{Message: "Page layout could not be matched, showing plain text", Next: NextRetry}
	case protocol.KindCancelled:
		return Status{Message: "Enhancement cancelled", Next: NextResume}
	case protocol.KindApplication:
		return Status{Message: "Enhancement failed: " + err.Error(), Next: NextRetry}
	default:
		return Status{Message: "Enhancement failed: " + err.Error(), Next: NextRetry}
	}
}
