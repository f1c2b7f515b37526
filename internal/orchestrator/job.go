package orchestrator

import (
	"strings"
	"time"
)

type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkProcessing ChunkState = "processing"
	ChunkCompleted  ChunkState = "completed"
	ChunkError      ChunkState = "error"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Chunk is one bounded unit of a document. OriginalText and
// OriginalStructured never change after the job is built.
type Chunk struct {
	Index              int        `json:"index"`
	OriginalText       string     `json:"originalText"`
	OriginalStructured string     `json:"originalStructured"`
	EnhancedContent    string     `json:"enhancedContent,omitempty"`
	State              ChunkState `json:"state"`
	LastError          string     `json:"lastError,omitempty"`
	ShowingEnhanced    bool       `json:"showingEnhanced"`
}

// Display is what the reader sees for this chunk.
func (c Chunk) Display() string {
	if c.ShowingEnhanced && c.EnhancedContent != "" {
		return c.EnhancedContent
	}
	if c.OriginalStructured != "" {
		return c.OriginalStructured
	}
	return c.OriginalText
}

type Job struct {
	DocumentID    string        `json:"documentId"`
	Title         string        `json:"title"`
	Chunks        []Chunk       `json:"chunks"`
	Status        Status        `json:"status"`
	RateLimitWait time.Duration `json:"rateLimitWait,omitempty"`
	ConfigError   string        `json:"configError,omitempty"`
}

// NewJob builds an idle job. fragments should be aligned with texts; when
// the counts differ the structured side is left empty.
func NewJob(documentID, title string, texts, fragments []string) Job {
	chunks := make([]Chunk, len(texts))
	aligned := len(fragments) == len(texts)
	for i, text := range texts {
		chunks[i] = Chunk{Index: i, OriginalText: text, State: ChunkPending}
		if aligned {
			chunks[i].OriginalStructured = fragments[i]
		}
	}
	return Job{DocumentID: documentID, Title: title, Chunks: chunks, Status: StatusIdle}
}

func (j Job) TotalChunks() int { return len(j.Chunks) }

// Merged joins every chunk's display content in index order.
func (j Job) Merged() string {
	parts := make([]string, len(j.Chunks))
	for i, c := range j.Chunks {
		parts[i] = c.Display()
	}
	return strings.Join(parts, "\n")
}

func (j Job) clone() Job {
	out := j
	out.Chunks = append([]Chunk(nil), j.Chunks...)
	return out
}

type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (j Job) Counts() Counts {
	c := Counts{Total: len(j.Chunks)}
	for _, ch := range j.Chunks {
		switch ch.State {
		case ChunkPending:
			c.Pending++
		case ChunkProcessing:
			c.Processing++
		case ChunkCompleted:
			c.Completed++
		case ChunkError:
			c.Failed++
		}
	}
	return c
}

func (j Job) failedIndices() []int {
	var out []int
	for _, ch := range j.Chunks {
		if ch.State == ChunkError {
			out = append(out, ch.Index)
		}
	}
	return out
}
