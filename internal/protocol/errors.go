package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPeerUnavailable    = errors.New("worker unavailable")
	ErrRateLimited        = errors.New("rate limited")
	ErrApplication        = errors.New("worker reported failure")
	ErrConfiguration      = errors.New("configuration error")
	ErrStructuralMismatch = errors.New("structure could not be aligned")
)

// PeerUnavailableError means the worker could not be reached or returned
// nothing. The Channel retries these after waking the worker.
type PeerUnavailableError struct {
	Reason string
	Err    error
}

func (e *PeerUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker unavailable: %s: %v", e.Reason, e.Err)
	}
	return "worker unavailable: " + e.Reason
}

func (e *PeerUnavailableError) Unwrap() error        { return e.Err }
func (e *PeerUnavailableError) Is(target error) bool { return target == ErrPeerUnavailable }

// RateLimitError carries the wait the worker advertised, zero if none.
type RateLimitError struct {
	Wait    time.Duration
	Message string
}

func (e *RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	if e.Wait > 0 {
		return fmt.Sprintf("%s (retry in %s)", msg, e.Wait.Round(time.Second))
	}
	return msg
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ApplicationError is an explicit failure reported by the worker.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string        { return e.Message }
func (e *ApplicationError) Is(target error) bool { return target == ErrApplication }

// ConfigurationError means the worker lacks a credential. It halts a job.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string        { return e.Message }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

type Kind int

const (
	KindNone Kind = iota
	KindPeerUnavailable
	KindRateLimited
	KindApplication
	KindConfiguration
	KindStructuralMismatch
	KindCancelled
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPeerUnavailable:
		return "peer_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindApplication:
		return "application"
	case KindConfiguration:
		return "configuration"
	case KindStructuralMismatch:
		return "structural_mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// transientMarkers are failure texts that mean the worker was asleep or gone.
var transientMarkers = []string{
	"connection closed",
	"port closed",
	"receiving end does not exist",
	"could not establish connection",
	"empty response",
	"no responders",
}

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrPeerUnavailable):
		return KindPeerUnavailable
	case errors.Is(err, ErrApplication):
		return KindApplication
	case errors.Is(err, ErrStructuralMismatch):
		return KindStructuralMismatch
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindPeerUnavailable
		}
	}
	return KindUnknown
}

// IsTransient reports whether err should trigger a wake-up and resend.
func IsTransient(err error) bool {
	return Classify(err) == KindPeerUnavailable
}

// WaitSeconds returns the advertised wait of a rate limit error, rounded up.
func WaitSeconds(err error) int {
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Wait <= 0 {
		return 0
	}
	return int((rl.Wait + time.Second - 1) / time.Second)
}
