package nowplaying

import (
	"context"
	"log/slog"
)

// Publisher decouples the caller from a slow Sink. Publish never blocks; when
// the sink falls behind only the latest update is delivered.
type Publisher struct {
	sink    Sink
	logger  *slog.Logger
	pending chan Update
}

func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{
		sink:    sink,
		logger:  logger,
		pending: make(chan Update, 1),
	}
}

func (p *Publisher) Publish(u Update) {
	for {
		select {
		case p.pending <- u:
			return
		default:
		}

		// Drop the stale update and retry.
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run delivers updates until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.pending:
			if err := p.sink.Update(ctx, u); err != nil && ctx.Err() == nil {
				p.logger.Warn("failed to push now playing update", "err", err)
			}
		}
	}
}
