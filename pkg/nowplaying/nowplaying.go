// Package nowplaying pushes title/artist/status to the operating system's
// media session display.
package nowplaying

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Update is one push to the display.
type Update struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Status string `json:"status"`
}

// Sink receives display updates.
type Sink interface {
	Update(ctx context.Context, u Update) error
}

// LogSink logs every update. It is used when no display endpoint is
// configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Update(_ context.Context, u Update) error {
	s.Logger.Info("now playing", "title", u.Title, "artist", u.Artist, "status", u.Status)
	return nil
}

// HTTPSink posts updates as JSON to a display host.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Update(ctx context.Context, u Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "marshal update")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post update")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
