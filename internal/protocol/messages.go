// Package protocol defines the messages exchanged between the scribe caller
// and the enhancement worker, and the error taxonomy both sides share.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NATS subjects.
const (
	SubjectRPC          = "scribe.worker.rpc"
	SubjectKeepAlive    = "scribe.worker.keepalive"
	SubjectNotifyGlobal = "scribe.notify.global"
	subjectNotifyPrefix = "scribe.notify."
)

// NotifySubject is the push-notification subject for one document.
func NotifySubject(documentID string) string {
	return subjectNotifyPrefix + documentID
}

type Action string

const (
	ActionPing              Action = "ping"
	ActionProcessDocument   Action = "processDocument"
	ActionReenhanceChunk    Action = "reenhanceChunk"
	ActionCancelEnhancement Action = "cancelEnhancement"
)

// Request is one of Ping, ProcessDocument, ReenhanceChunk or CancelEnhancement.
type Request interface {
	Action() Action
}

// Options travel with document and chunk requests.
type Options struct {
	DocumentID      string `json:"documentId,omitempty"`
	ChunkIndex      *int   `json:"chunkIndex,omitempty"`
	TotalChunks     int    `json:"totalChunks,omitempty"`
	ChunkSize       int    `json:"chunkSize,omitempty"`
	ChunkingEnabled *bool  `json:"chunkingEnabled,omitempty"`
	MinChunkLength  int    `json:"minChunkLength,omitempty"`
}

type Ping struct{}

type ProcessDocument struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Options Options `json:"options"`
}

type ReenhanceChunk struct {
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Options    Options `json:"options"`
}

type CancelEnhancement struct {
	DocumentID string `json:"documentId,omitempty"`
}

func (Ping) Action() Action              { return ActionPing }
func (ProcessDocument) Action() Action   { return ActionProcessDocument }
func (ReenhanceChunk) Action() Action    { return ActionReenhanceChunk }
func (CancelEnhancement) Action() Action { return ActionCancelEnhancement }

type envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps req in its action envelope.
func Encode(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.Action(), err)
	}
	return json.Marshal(envelope{Action: req.Action(), Payload: payload})
}

// Decode parses an envelope into its concrete request type.
func Decode(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var req Request
	switch env.Action {
	case ActionPing:
		return Ping{}, nil
	case ActionProcessDocument:
		var r ProcessDocument
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, err
		}
		req = r
	case ActionReenhanceChunk:
		var r ReenhanceChunk
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, err
		}
		req = r
	case ActionCancelEnhancement:
		var r CancelEnhancement
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return nil, err
		}
		req = r
	default:
		return nil, fmt.Errorf("unknown action %q", env.Action)
	}
	return req, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// Response is the reply to every request. WaitTime is in seconds.
type Response struct {
	Success     bool   `json:"success"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	NeedsAPIKey bool   `json:"needsApiKey,omitempty"`
	IsRateLimit bool   `json:"isRateLimit,omitempty"`
	WaitTime    int    `json:"waitTime,omitempty"`
}

// Err converts a failed response into the matching typed error.
func (r Response) Err() error {
	switch {
	case r.Success:
		return nil
	case r.NeedsAPIKey:
		return &ConfigurationError{Message: orDefault(r.Error, "API key not configured")}
	case r.IsRateLimit:
		return &RateLimitError{Wait: time.Duration(r.WaitTime) * time.Second, Message: r.Error}
	default:
		return &ApplicationError{Message: orDefault(r.Error, "worker reported failure")}
	}
}

// ResponseFromError builds the failure reply for err.
func ResponseFromError(err error) Response {
	resp := Response{Error: err.Error()}
	switch Classify(err) {
	case KindConfiguration:
		resp.NeedsAPIKey = true
	case KindRateLimited:
		resp.IsRateLimit = true
		resp.WaitTime = WaitSeconds(err)
	}
	return resp
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Handler answers each request kind. Dispatch routes to it.
type Handler interface {
	Ping(ctx context.Context) Response
	ProcessDocument(ctx context.Context, req ProcessDocument) Response
	ReenhanceChunk(ctx context.Context, req ReenhanceChunk) Response
	CancelEnhancement(ctx context.Context, req CancelEnhancement) Response
}

// Dispatch calls the Handler method matching req.
func Dispatch(ctx context.Context, h Handler, req Request) Response {
	switch r := req.(type) {
	case Ping:
		return h.Ping(ctx)
	case ProcessDocument:
		return h.ProcessDocument(ctx, r)
	case ReenhanceChunk:
		return h.ReenhanceChunk(ctx, r)
	case CancelEnhancement:
		return h.CancelEnhancement(ctx, r)
	default:
		return Response{Error: fmt.Sprintf("unsupported request %T", req)}
	}
}

type NotificationKind string

const (
	NotifyChunkProcessed     NotificationKind = "chunkProcessed"
	NotifyChunkError         NotificationKind = "chunkError"
	NotifyAllChunksProcessed NotificationKind = "allChunksProcessed"
	NotifyAPIKeyMissing      NotificationKind = "apiKeyMissing"
)

// Notification is a worker-to-caller push message. Fields are populated
// according to Action.
type Notification struct {
	Action         NotificationKind `json:"action"`
	DocumentID     string           `json:"documentId,omitempty"`
	ChunkIndex     int              `json:"chunkIndex"`
	TotalChunks    int              `json:"totalChunks,omitempty"`
	Result         string           `json:"result,omitempty"`
	IsComplete     bool             `json:"isComplete,omitempty"`
	Error          string           `json:"error,omitempty"`
	IsRateLimit    bool             `json:"isRateLimit,omitempty"`
	WaitTime       int              `json:"waitTime,omitempty"`
	FinalFailure   bool             `json:"finalFailure,omitempty"`
	TotalProcessed int              `json:"totalProcessed,omitempty"`
	FailedChunks   []int            `json:"failedChunks,omitempty"`
}

// KeepAlive is the heartbeat frame on SubjectKeepAlive.
type KeepAlive struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

const (
	KeepAlivePing = "ping"
	KeepAlivePong = "pong"
)
