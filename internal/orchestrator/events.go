package orchestrator

import "time"

// Event is one of ChunkStarted, ChunkProcessed, ChunkFailed, AllProcessed or
// ConfigError.
type Event interface {
	Document() string
}

type ChunkStarted struct {
	DocumentID  string
	ChunkIndex  int
	TotalChunks int
}

type ChunkProcessed struct {
	DocumentID  string
	ChunkIndex  int
	TotalChunks int
	Result      string
	IsComplete  bool
}

// ChunkFailed reports a chunk error. FinalFailure is set when the error
// stopped the run and the remaining chunks were left pending.
type ChunkFailed struct {
	DocumentID   string
	ChunkIndex   int
	TotalChunks  int
	Err          error
	IsRateLimit  bool
	WaitTime     time.Duration
	FinalFailure bool
}

type AllProcessed struct {
	DocumentID     string
	TotalProcessed int
	TotalChunks    int
	FailedChunks   []int
}

// ConfigError is emitted once when a missing credential halts the job.
type ConfigError struct {
	DocumentID string
	Err        error
}

func (e ChunkStarted) Document() string   { return e.DocumentID }
func (e ChunkProcessed) Document() string { return e.DocumentID }
func (e ChunkFailed) Document() string    { return e.DocumentID }
func (e AllProcessed) Document() string   { return e.DocumentID }
func (e ConfigError) Document() string    { return e.DocumentID }

// Sink receives events in the order they happen. It is never called with
// the orchestrator's lock held.
type Sink interface {
	Handle(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Sinks fans events out to several sinks in order.
type Sinks []Sink

func (s Sinks) Handle(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Handle(e)
		}
	}
}
