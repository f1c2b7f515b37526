// Package enhancer performs the generative rewrite of a chapter section.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/scribe/internal/aligner"
	"github.com/MikeSquared-Agency/scribe/internal/anthropic"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

// Completer is the subset of the Anthropic client the enhancer needs.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Enhancer struct {
	llm       Completer
	logger    *slog.Logger
	maxTokens int
}

func New(llm Completer, logger *slog.Logger) *Enhancer {
	return &Enhancer{llm: llm, logger: logger, maxTokens: 8192}
}

// Section identifies where a piece of text sits in its chapter.
type Section struct {
	Title string
	Index int
	Total int
}

// Enhance rewrites text and returns it as HTML paragraphs. Upstream
// failures are mapped onto the protocol error taxonomy.
func (e *Enhancer) Enhance(ctx context.Context, sec Section, text string) (string, error) {
	total := sec.Total
	if total < 1 {
		total = 1
	}
	prompt := fmt.Sprintf(enhanceUserPrompt, sec.Title, sec.Index+1, total, text)

	e.logger.Info("enhancing section",
		"title", sec.Title,
		"chunk_index", sec.Index,
		"total_chunks", total,
		"text_len", len(text),
	)

	raw, err := e.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, e.maxTokens)
	if err != nil {
		return "", classify(err)
	}

	out := FormatHTML(raw)
	if out == "" {
		return "", &protocol.ApplicationError{Message: "model returned no content"}
	}

	e.logger.Info("section enhanced", "chunk_index", sec.Index, "result_len", len(out))
	return out, nil
}

func classify(err error) error {
	var apiErr *anthropic.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("llm enhance: %w", err)
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status == 529:
		return &protocol.RateLimitError{Wait: apiErr.RetryAfter, Message: apiErr.Message}
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		return &protocol.ConfigurationError{Message: "API key rejected: " + apiErr.Message}
	default:
		return &protocol.ApplicationError{Message: apiErr.Error()}
	}
}

// FormatHTML strips code fences from model output and wraps plain text as
// paragraphs. Output that already looks like HTML is returned trimmed.
func FormatHTML(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "<") {
		return s
	}
	return aligner.Synthesize(s)
}
