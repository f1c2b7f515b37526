package orchestrator

import (
	"context"
	"strings"

	"github.com/MikeSquared-Agency/scribe/internal/channel"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

// ChannelDispatcher sends chunks to the worker over a Channel.
type ChannelDispatcher struct {
	ch *channel.Channel
}

func NewChannelDispatcher(ch *channel.Channel) *ChannelDispatcher {
	return &ChannelDispatcher{ch: ch}
}

func (d *ChannelDispatcher) ProcessChunk(ctx context.Context, req ChunkRequest) (string, error) {
	idx := req.Index
	resp, err := d.ch.SendWithRetry(ctx, protocol.ProcessDocument{
		Title:   req.Title,
		Content: req.Content,
		Options: protocol.Options{
			DocumentID:  req.DocumentID,
			ChunkIndex:  &idx,
			TotalChunks: req.Total,
		},
	})
	return result(resp, err)
}

func (d *ChannelDispatcher) ReenhanceChunk(ctx context.Context, req ChunkRequest) (string, error) {
	resp, err := d.ch.SendWithRetry(ctx, protocol.ReenhanceChunk{
		ChunkIndex: req.Index,
		Content:    req.Content,
		Options: protocol.Options{
			DocumentID:  req.DocumentID,
			TotalChunks: req.Total,
		},
	})
	return result(resp, err)
}

// Cancel asks the worker to abandon work for documentID.
func (d *ChannelDispatcher) Cancel(ctx context.Context, documentID string) error {
	_, err := d.ch.Send(ctx, protocol.CancelEnhancement{DocumentID: documentID})
	return err
}

func result(resp protocol.Response, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Result) == "" {
		return "", &protocol.ApplicationError{Message: "worker returned empty content"}
	}
	return resp.Result, nil
}
