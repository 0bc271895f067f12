package session

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zachfi/smtchost/pkg/mojibake"
	"github.com/zachfi/smtchost/pkg/shoutcast"
)

var tracer = otel.Tracer("modules/session")

// startMonitor starts the ICY monitor for url. The caller has already
// cancelled any previous monitor.
func (o *Owner) startMonitor(url string, epoch uint64) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.state.monitorCancel = cancel

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.monitor(ctx, url, epoch)
	}()
}

func (o *Owner) cancelMonitor() {
	if o.state.monitorCancel == nil {
		return
	}
	o.state.monitorCancel()
	o.state.monitorCancel = nil
}

// monitor reads stream titles until ctx is cancelled or the server turns out
// not to support ICY metadata. Every other failure, including a clean end of
// stream, is followed by a fresh connection after the reconnect delay.
func (o *Owner) monitor(ctx context.Context, url string, epoch uint64) {
	logger := o.logger.With("url", url)
	b := backoff.NewConstantBackOff(o.cfg.ReconnectDelay)

	for {
		err := o.watch(ctx, url, epoch)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, shoutcast.ErrNoICY) {
			metricICYUnsupported.Inc()
			logger.Info("no ICY support, metadata monitor stopped")
			return
		}

		if err != nil {
			logger.Debug("metadata monitor failed, reconnecting", "err", err)
		} else {
			logger.Debug("stream ended, reconnecting")
		}
		metricICYReconnects.Inc()

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// watch runs one connection. It returns nil when the stream ends.
func (o *Owner) watch(ctx context.Context, url string, epoch uint64) error {
	spanCtx, span := tracer.Start(ctx, "icy.open")
	span.SetAttributes(attribute.String("url", url))

	stream, err := o.icy.Open(spanCtx, url)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return err
	}
	span.SetAttributes(
		attribute.Int("metaint", stream.MetaInt()),
		attribute.String("charset", stream.Charset),
	)
	span.End()
	defer stream.Close()

	if stream.Name != "" {
		name := stream.Name
		o.post(ctx, func() { o.applyStationName(url, epoch, name) })
	}

	for {
		block, err := stream.ReadMetadata()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		metricICYBlocks.Inc()

		raw, ok := shoutcast.ExtractStreamTitle(block)
		if !ok || len(raw) == 0 {
			continue
		}

		text := mojibake.Repair(shoutcast.DecodeTitle(raw, stream.Charset, o.cfg.DefaultEncoding))
		if text == "" {
			continue
		}

		// applyTrack drops titles the session already shows.
		o.post(ctx, func() { o.applyTrack(url, epoch, text) })
	}
}
