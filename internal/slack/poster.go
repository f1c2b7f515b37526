package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/page"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostJobSummary posts the outcome of a finished chapter. Failed sections
// are listed in a threaded reply. Returns the summary message timestamp.
func (p *Poster) PostJobSummary(ctx context.Context, s page.Summary) (string, error) {
	text := formatSummaryMessage(s)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "Document `" + s.DocumentID + "`",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("posted job summary to slack", "ts", ts, "document_id", s.DocumentID)

	if len(s.FailedChunks) > 0 {
		if err := p.PostThread(ctx, ts, formatFailures(s)); err != nil {
			return ts, fmt.Errorf("post failures: %w", err)
		}
	}
	return ts, nil
}

// Notify posts s in the background of a finished job; errors are logged.
func (p *Poster) Notify(s page.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := p.PostJobSummary(ctx, s); err != nil {
		p.logger.Warn("slack summary failed", "document_id", s.DocumentID, "error", err)
	}
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatSummaryMessage(s page.Summary) string {
	var sb strings.Builder

	title := s.Title
	if title == "" {
		title = "Untitled chapter"
	}
	fmt.Fprintf(&sb, "*Chapter:* %s\n", title)
	fmt.Fprintf(&sb, "*URL:* %s\n\n", s.URL)

	failed := len(s.FailedChunks)
	switch {
	case s.TotalChunks == 0:
		sb.WriteString("_Nothing to enhance on this page._")
	case failed == 0:
		fmt.Fprintf(&sb, "All %d sections enhanced", s.TotalChunks)
	default:
		fmt.Fprintf(&sb, "Enhanced %d of %d sections, %d failed", s.TotalProcessed, s.TotalChunks, failed)
	}
	return sb.String()
}

func formatFailures(s page.Summary) string {
	var sb strings.Builder
	sb.WriteString("*Failed sections:*")
	for _, idx := range s.FailedChunks {
		fmt.Fprintf(&sb, "\n- section %d of %d", idx+1, s.TotalChunks)
	}
	sb.WriteString("\n_Retry them from the reader to fill the gaps._")
	return sb.String()
}
